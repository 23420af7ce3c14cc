/*
Package httpserver exposes the attestation engine over HTTP.

# API Endpoints

  - POST /v1/attest - Attest a request/response pair, returns the receipt
  - GET /api/verify/{hash}?secret= - Look up a proof by any of its hashes
  - GET /api/verify/export/{hash}?secret= - Download a self-contained proof bundle
  - GET /api/verify/batch/{batchId} - Look up a batch
  - GET /health - Service configuration summary

# Operational Endpoints

  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Errors are returned as {"error":{"message":"...","code":"..."}} except for
lookups of unknown hashes and batches, which answer 404 with
{"found":false,...}.

# Example Usage

	cfg := &httpserver.HTTPServerConfig{
		ListenAddr:               ":3000",
		MetricsAddr:              ":9090",
		Log:                      logger,
		GracefulShutdownDuration: 30 * time.Second,
	}
	handler := httpserver.NewHandler(attestor, verifier, httpserver.HealthInfo{}, logger)
	srv, err := httpserver.New(cfg, handler, metricsSrv)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
