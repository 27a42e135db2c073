package main

import (
	"log/slog"
	"net/http"
	"os"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	// WEBHOOK_SECRET is the subscription secret returned at creation.
	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"), logger)

	logger.Info("mock endpoint server starting",
		"port", port,
		"verify_signatures", rc.secret != "",
		"routes", []string{
			"POST /webhook/success -> 200",
			"POST /webhook/slow -> 200 after 3s",
			"POST /webhook/fail -> 500",
			"POST /webhook/flaky -> 503, 503, 200, ...",
			"GET /stats",
		},
	)

	if err := http.ListenAndServe(":"+port, rc.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
