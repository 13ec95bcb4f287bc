// Package loop provides a reactor-style event loop over a readiness
// notification primitive (epoll, kqueue, or poll depending on platform),
// with timed callbacks and file-descriptor I/O registration.
//
// # Architecture
//
// A [Loop] multiplexes readiness events for a set of file descriptors,
// fires expired timers, and runs registered callbacks single-threadedly.
// One tick performs, in order: refresh the cached clock, pop and invoke
// all expired timers, poll the readiness backend for the delay until the
// next timer, then dispatch readiness to each ready fd's sink.
//
// # Platform support
//
// The readiness backend is selected at build time:
//   - Linux: epoll ([epollPoller])
//   - Darwin: kqueue ([kqueuePoller])
//   - other POSIX: poll(2) ([pollPoller])
//
// All three present the identical [pollerBackend] contract, so [Loop]
// itself is platform-independent.
//
// # Concurrency
//
// A Loop is purely single-threaded cooperative: register, unregister,
// schedule, and every sink callback run on the goroutine that calls
// [Loop.Run]. No callback may block, and no callback runs concurrently
// with another. [Loop.Stop] is the one method safe to call from any
// goroutine (e.g. a signal handler) — it wakes the loop out of its poll
// syscall via a self-pipe (an eventfd on Linux). There is no general cross-goroutine task
// submission API: this package does not provide one, since an evented
// I/O core has no use for inter-thread parallelism inside a single
// loop.
//
// # Usage
//
//	l, err := loop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	l.OnStart(func() { log.Println("loop started") })
//	l.Schedule(100*time.Millisecond, func() {
//	    fmt.Println("fired")
//	    l.Stop()
//	})
//	if err := l.Run(); err != nil {
//	    log.Fatal(err)
//	}
package loop
