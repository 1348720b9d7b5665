// Package exchange implements the data-exchange client of a distributed
// query engine: it pulls intermediate result pages from N upstream task
// outputs into a single memory-bounded local stream.
//
// A Factory validates configuration once (byte budget, concurrency
// multiplier, error-duration budget, callback-pool size) and hands out
// Clients that share one bounded callback executor and one HTTP transport.
//
// # Basic Usage
//
//	factory, err := exchange.NewFactory(exchange.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer factory.Stop()
//
//	client := factory.NewClient(nil)
//	defer client.Close()
//
//	client.AddLocation("http://worker-1:8080/v1/task/t1/results/0")
//	client.AddLocation("http://worker-2:8080/v1/task/t2/results/0")
//	client.NoMoreLocations()
//
//	for !client.IsFinished() {
//		page, err := client.Poll()
//		if err != nil {
//			return err
//		}
//		if page == nil {
//			<-client.Ready()
//			continue
//		}
//		consume(page)
//	}
//
// # Guarantees
//
//   - Per-source page order is preserved; pages from different sources
//     interleave arbitrarily but are never duplicated or dropped.
//   - Buffered bytes never exceed the configured ceiling by more than one
//     in-flight response; admission of new fetches stops at the ceiling.
//   - At most multiplier x locations fetches are outstanding, one per
//     source.
//   - A source failing continuously for longer than the maximum error
//     duration fails the whole client; there is no partial-result mode.
//
// Poll never blocks. Consumers wait on Ready instead of busy-polling; Ready
// is level-triggered, so a page arriving between a nil Poll and the wait is
// never missed.
package exchange
