// Package main implements the entry point for the taskhive server: the HTTP
// ops surface, the worker fleet and the autoscaler all run in this process.
package main

import (
	"context"
	"log"
)

func main() {
	ctx := context.Background()

	app, err := initializeApp(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.start(); err != nil {
		app.logger.Error("failed to start background components", "error", err)
		app.cleanup()
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
