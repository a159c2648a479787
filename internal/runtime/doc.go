// Package runtime wires storage, config, and the registered job queues
// into a single-node instance. It exposes Open/Close, a basic health
// check, and queue lookup for the service layer.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	q, _ := rt.Queue("text-scan")
//	_, _ = q.Enqueue(context.Background(), payload, jobqueue.EnqueueOptions{}, 0)
package runtime
