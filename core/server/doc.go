// Package server wraps http.Server with graceful shutdown, production
// timeouts and errgroup integration.
//
//	srv, err := server.NewFromConfig(cfg, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(srv.Run(ctx, handler))
//	return g.Wait()
//
// Run serves until the context is canceled and then calls Stop, which
// waits up to the shutdown timeout for in-flight requests. Config reads
// SERVER_ADDR, SERVER_READ_TIMEOUT, SERVER_WRITE_TIMEOUT,
// SERVER_IDLE_TIMEOUT, SERVER_SHUTDOWN_TIMEOUT and SERVER_MAX_HEADER_BYTES.
package server
