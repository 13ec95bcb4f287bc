// Command thor-gateway is a minimal reverse proxy demonstrating the
// loop/tcp/httpcore stack end to end: one HttpServer accepts inbound
// requests and forwards each to a single fixed upstream origin via one
// HttpClient, streaming the response back untouched.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/thorio/httpcore"
	"github.com/joeycumines/thorio/loop"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})); err != nil {
		fmt.Fprintf(os.Stderr, "thor-gateway: GOMAXPROCS tuning failed: %v\n", err)
	}

	var (
		listenHost = flag.String("host", "127.0.0.1", "address to listen on")
		listenPort = flag.Int("port", 8080, "port to listen on")
		upstream   = flag.String("upstream", "http://127.0.0.1:9090", "upstream origin to proxy to")
	)
	flag.Parse()

	if err := run(*listenHost, *listenPort, *upstream); err != nil {
		fmt.Fprintf(os.Stderr, "thor-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(host string, port int, upstream string) error {
	l, err := loop.New()
	if err != nil {
		return fmt.Errorf("constructing loop: %w", err)
	}

	client := httpcore.NewHttpClient(l)

	var srv *httpcore.HttpServer
	l.OnStart(func() {
		var serr error
		srv, serr = httpcore.NewHttpServer(l, host, port)
		if serr != nil {
			fmt.Fprintf(os.Stderr, "thor-gateway: listen failed: %v\n", serr)
			l.Stop()
			return
		}
		srv.OnExchange(func(ex *httpcore.ServerExchange) {
			proxyExchange(client, upstream, ex)
		})
		fmt.Printf("thor-gateway: listening on %s, proxying to %s\n", srv.Addr(), upstream)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, _ := errgroup.WithContext(ctx)
	group.Go(l.Run)
	group.Go(func() error {
		<-ctx.Done()
		l.Stop()
		return nil
	})

	return group.Wait()
}

// proxyExchange forwards one inbound request to upstream and streams the
// upstream response back to the original caller, demonstrating a client
// exchange and a server exchange driven from the same loop tick.
func proxyExchange(client *httpcore.HttpClient, upstream string, inbound *httpcore.ServerExchange) {
	cx := client.Exchange()

	cx.OnResponseStart(func(status int, reason string, headers httpcore.HeaderList) {
		_ = inbound.ResponseStart(status, reason, headers)
	})
	cx.OnResponseBody(func(chunk []byte) {
		_ = inbound.ResponseBody(chunk)
	})
	cx.OnResponseDone(func(trailers httpcore.HeaderList) {
		_ = inbound.ResponseDone(trailers)
	})
	cx.OnError(func(httpErr *httpcore.Error) {
		_ = inbound.ResponseStart(502, "Bad Gateway", httpcore.HeaderList{{Name: "Content-Length", Value: "0"}})
		_ = inbound.ResponseDone(nil)
		fmt.Fprintf(os.Stderr, "thor-gateway: upstream error: %v\n", httpErr)
	})

	inbound.OnRequestBody(func(chunk []byte) { _ = cx.RequestBody(chunk) })
	inbound.OnRequestDone(func(trailers httpcore.HeaderList) { _ = cx.RequestDone(trailers) })

	if err := cx.RequestStart(inbound.Method(), upstream+inbound.Target(), inbound.RequestHeaders()); err != nil {
		_ = inbound.ResponseStart(502, "Bad Gateway", httpcore.HeaderList{{Name: "Content-Length", Value: "0"}})
		_ = inbound.ResponseDone(nil)
	}
}
