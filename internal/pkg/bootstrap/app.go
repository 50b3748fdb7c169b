package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stockflow/internal/pkg/logger"
)

// Registry 是服务注册中心的抽象, 由 nacos.Client 实现
type Registry interface {
	Register(serviceName, ip string, port int) error
	Deregister(serviceName, ip string, port int) error
}

// Worker 是与 HTTP 服务一起运行的后台任务, Run 在 ctx 结束后必须返回
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
	// Stop 可选, 用于打断阻塞在外部 I/O 上的 Run
	Stop func(ctx context.Context)
}

// Closer 在所有 worker 停止后按顺序执行
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// App 包含了启动一个服务所需的所有信息
type App struct {
	Name            string
	Port            int
	Handler         http.Handler
	Listener        net.Listener // 为空时监听 :Port
	Registry        Registry     // 为空时不注册
	AdvertiseIP     string       // 为空时自动探测出口 IP
	Workers         []Worker
	Closers         []Closer
	ShutdownTimeout time.Duration
}

// Run 启动 HTTP 服务与后台任务, 直到收到退出信号、ctx 结束或任一任务出错。
// 关停顺序: 注销 → HTTP → worker → closers。
func Run(ctx context.Context, app App) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.Ctx(ctx).With().Str("service", app.Name).Logger()

	ln := app.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", ":"+strconv.Itoa(app.Port))
		if err != nil {
			closeAll(ctx, app, log)
			return fmt.Errorf("listen on :%d: %w", app.Port, err)
		}
	}
	port := app.Port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	ip := app.AdvertiseIP
	if app.Registry != nil {
		if ip == "" {
			var err error
			if ip, err = outboundIP(); err != nil {
				ln.Close()
				closeAll(ctx, app, log)
				return fmt.Errorf("detect outbound ip: %w", err)
			}
		}
		if err := app.Registry.Register(app.Name, ip, port); err != nil {
			ln.Close()
			closeAll(ctx, app, log)
			return err
		}
	}

	server := &http.Server{Handler: app.Handler, ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", port).Msg("http server listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	workers, wctx := errgroup.WithContext(gctx)
	for _, w := range app.Workers {
		workers.Go(func() error {
			log.Info().Str("worker", w.Name).Msg("worker started")
			if err := w.Run(wctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", w.Name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// worker 出错时让整个服务退出
		if err := workers.Wait(); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		timeout := app.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if app.Registry != nil {
			if err := app.Registry.Deregister(app.Name, ip, port); err != nil {
				log.Error().Err(err).Msg("error deregistering service")
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error shutting down http server")
		}
		for _, w := range app.Workers {
			if w.Stop != nil {
				w.Stop(shutdownCtx)
			}
		}
		if err := workers.Wait(); err != nil {
			log.Error().Err(err).Msg("worker exited with error")
		}
		closeAll(shutdownCtx, app, log)
		log.Info().Msg("service gracefully shut down")
		return nil
	})

	return g.Wait()
}

// closeAll 依次执行 closers, 错误只记录
func closeAll(ctx context.Context, app App, log zerolog.Logger) {
	for _, c := range app.Closers {
		if err := c.Close(ctx); err != nil {
			log.Error().Err(err).Str("closer", c.Name).Msg("error during shutdown")
		}
	}
}

// outboundIP 通过 UDP "连接" 拿到默认路由的本机地址, 不会真正发包
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
