package main

import (
	"context"
	"os"
	"time"

	"github.com/embermq/embermq"
)

func main() {
	broker := embermq.NewBroker()
	logger := broker.Logger()
	logger.Info("Starting EmberMQ broker")

	conn, err := broker.Connect()
	if err != nil {
		logger.Err("Failed to connect: %v", err)
		os.Exit(1)
	}
	ch, err := conn.CreateChannel()
	if err != nil {
		logger.Err("Failed to open channel: %v", err)
		os.Exit(1)
	}

	if _, err := ch.DeclareQueue("demo", embermq.QueueOptions{}); err != nil {
		logger.Err("Failed to declare queue: %v", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	_, err = ch.Consume("demo", func(d embermq.Delivery) {
		logger.Info("Received: %s", d.Body)
		d.Ack()
		close(done)
	}, embermq.ConsumeOptions{})
	if err != nil {
		logger.Err("Failed to consume: %v", err)
		os.Exit(1)
	}

	if _, err := ch.Publish("", "demo", []byte("hello"), embermq.Properties{}); err != nil {
		logger.Err("Failed to publish: %v", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		logger.Warn("No delivery within a second")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := broker.Shutdown(ctx); err != nil {
		logger.Err("Shutdown error: %v", err)
		os.Exit(1)
	}
}
