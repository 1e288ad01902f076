// Package gate intercepts job messages delivered over HTTP by the local SQS
// daemon (aws-sqsd) before they reach the wrapped application.
//
// Ordinary client traffic is passed through untouched. Daemon traffic is run
// through an ordered decision procedure:
//
//  1. User agent is not aws-sqsd/* → pass through
//  2. TCP peer is not loopback (or an allow-listed local address) → 403
//  3. Origin attribute:
//     - absent, no digest → pass through (or run a periodic task on the tasks route)
//     - absent, digest present → 403 (unless accept_unaddressed_digests)
//     - set to another feature → pass through
//     - set to the job marker → continue
//  4. Host process draining → 503
//  5. Digest over the raw body invalid or missing → 403, otherwise dispatch
//     the job and answer 200 (500 when the job fails)
//
// # Security Model
//
//   - Digests are keyed with the application secret and compared in constant time
//   - Only the TCP peer address is trusted; forwarding headers are ignored
//   - Callers only ever see a generic 403/503, never which check failed
//   - Faults inside the gate fail closed (403)
//
// # Example Usage
//
//	g, err := gate.New(gate.Config{
//		Enabled: true,
//		Secret:  os.Getenv("SECRET_KEY_BASE"),
//	}, flag, runner, logger)
//	if err != nil {
//		return err
//	}
//	router.Use(g.Middleware)
package gate
