package sync

import "github.com/ethereum/go-ethereum/metrics"

var (
	accountSyncedMeter = metrics.NewRegisteredMeter("snapsync/accounts/synced", nil)
	accountBytesMeter  = metrics.NewRegisteredMeter("snapsync/accounts/bytes", nil)

	requestCounter    = metrics.NewRegisteredCounter("snapsync/requests/sent", nil)
	failureCounter    = metrics.NewRegisteredCounter("snapsync/requests/failed", nil)
	timeoutCounter    = metrics.NewRegisteredCounter("snapsync/requests/timeout", nil)
	retryCounter      = metrics.NewRegisteredCounter("snapsync/requests/retried", nil)
	abandonCounter    = metrics.NewRegisteredCounter("snapsync/requests/abandoned", nil)
	proofFailCounter  = metrics.NewRegisteredCounter("snapsync/proofs/failed", nil)
	rootChangeCounter = metrics.NewRegisteredCounter("snapsync/root/changes", nil)

	inflightGauge = metrics.NewRegisteredGauge("snapsync/requests/inflight", nil)
	sizeHintGauge = metrics.NewRegisteredGauge("snapsync/range/sizebits", nil)

	requestTimer = metrics.NewRegisteredTimer("snapsync/requests/latency", nil)
)
