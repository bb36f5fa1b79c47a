// Package fanout fetches the details of many messages concurrently.
//
// Graph throttles per client and tells the caller how long to back off with a
// Retry-After header. The orchestrator runs one task per message id so that a
// throttled message waits on its own while its siblings keep going; the
// throttling loop itself lives in graph.Client.GetMessage.
//
// Example usage:
//
//	orch, err := fanout.New(client, fanout.DefaultConfig())
//	report := orch.FetchAll(ctx, ids)
//	for _, r := range report.Results {
//		fmt.Println(r.ID, r.Err)
//	}
//
// The orchestrator:
//   - Starts one task per id (optionally bounded by MaxConcurrency)
//   - Reports exactly one Result per id, in input order
//   - Keeps per-id failures isolated from each other
//   - Aborts the remaining work when a token cannot be acquired
package fanout
