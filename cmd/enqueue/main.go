// Command enqueue submits a job envelope to the executor's Redis
// stream from the command line. Useful for smoke tests and replaying
// dead-lettered jobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"agentforge.dev/executor/core/config"
	"agentforge.dev/executor/internal/job"
	"agentforge.dev/executor/internal/queue"
)

func main() {
	file := flag.String("file", "-", "path to a job envelope JSON file, or - for stdin")
	stream := flag.String("stream", "", "override the target stream")
	flag.Parse()

	if err := run(*file, *stream); err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		os.Exit(1)
	}
}

func run(file, streamOverride string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var reader io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}

	var j job.Job
	if err := json.NewDecoder(reader).Decode(&j); err != nil {
		return fmt.Errorf("decoding job envelope: %w", err)
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	stream := cfg.Queue.Stream
	if streamOverride != "" {
		stream = streamOverride
	}

	producer := queue.NewRedisProducer(client, stream, nil)
	defer producer.Close()

	if err := producer.Enqueue(ctx, queue.Submission{Job: j, Attempt: 1}); err != nil {
		return err
	}

	fmt.Printf("enqueued job %s on %s\n", j.JobID, stream)
	return nil
}
