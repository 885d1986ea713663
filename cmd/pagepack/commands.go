package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/cookiejar"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"pagepack/inline"
	"pagepack/internal/capture"
	"pagepack/internal/server"
	"pagepack/internal/trigger"
	"pagepack/state"
)

func pageArgument(env *state.LocalEnv, cmd *cli.Command) (string, error) {
	if cmd.Args().Len() == 0 {
		return "", errors.New("page URL is required")
	}
	if cmd.Args().Len() > 1 {
		env.Log.Warn("Malformed command line, too many pages", zap.Strings("ignoring", cmd.Args().Slice()[1:]))
	}
	target := strings.TrimSpace(cmd.Args().First())
	if _, err := inline.ParseBase(target); err != nil {
		return "", err
	}
	return target, nil
}

func outputDir(env *state.LocalEnv, cmd *cli.Command) string {
	if dir := cmd.String("out"); dir != "" {
		return dir
	}
	return env.Cfg.Output.Dir
}

func runSave(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)

	target, err := pageArgument(env, cmd)
	if err != nil {
		return err
	}
	if mode := cmd.String("mode"); mode != "" {
		env.Cfg.Capture.Mode = mode
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("unable to prepare cookie jar: %w", err)
	}
	f := env.NewFetcher(jar)
	src, release, err := env.NewSource(f)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	doc, err := src.Capture(ctx, capture.Request{URL: target, Header: env.Cfg.Fetch.Header(), Jar: jar})
	if err != nil {
		return fmt.Errorf("unable to capture page: %w", err)
	}
	env.Log.Debug("Page captured", zap.String("url", doc.URL), zap.String("title", doc.Title), zap.String("mode", env.Cfg.Capture.Mode), zap.Duration("elapsed", time.Since(start)))

	p, err := env.NewPipeline(f)
	if err != nil {
		return err
	}
	out, err := p.Snapshot(ctx, doc)
	if err != nil {
		return err
	}
	namer, err := env.NewNamer()
	if err != nil {
		return fmt.Errorf("unable to prepare file namer: %w", err)
	}
	name, err := namer.Name(doc.Title, doc.URL, time.Now())
	if err != nil {
		return err
	}
	path, err := inline.FileSaver{Dir: outputDir(env, cmd)}.Save(ctx, name, out)
	if err != nil {
		return err
	}
	env.Log.Info("Page saved", zap.String("url", doc.URL), zap.String("file", path), zap.Int("size", len(out)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)

	addr := env.Cfg.Server.Listen
	if l := cmd.String("listen"); l != "" {
		addr = l
	}
	sc, err := env.ServerConfig()
	if err != nil {
		return err
	}
	s, err := server.New(sc)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func runTrigger(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)

	target, err := pageArgument(env, cmd)
	if err != nil {
		return err
	}
	addr := env.Cfg.Trigger.Server
	if s := cmd.String("server"); s != "" {
		addr = s
	}
	c, err := trigger.New(addr, env.Cfg.Trigger.Timeout, env.Log)
	if err != nil {
		return err
	}
	path, err := c.Save(ctx, target, inline.FileSaver{Dir: outputDir(env, cmd)})
	if err != nil {
		return err
	}
	env.Log.Info("Page saved", zap.String("url", target), zap.String("file", path))
	return nil
}
