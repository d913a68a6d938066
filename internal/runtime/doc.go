// Package runtime wires storage, the content store, the event log, the
// evaluator pool, and one lifecycle reconciler per worker kind into a
// single-node xs instance.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default(), Logger: logger})
//	defer rt.Close()
//	_ = rt.Start(ctx)
//	_ = rt.CheckHealth(ctx)
//	_, _ = rt.Log().Append(ctx, eventlog.Frame{Topic: "chat.msg"}, strings.NewReader("hi"))
package runtime
