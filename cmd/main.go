package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManouchehrRasoulli/dirwatch/pkg"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/client"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/index"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/logger"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/server"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/user"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/watcher"
)

func main() {
	var config string
	var createUserFlag bool
	var deleteUserFlag bool

	flag.StringVar(&config, "config", "config.yml", "specify configuration file for service.")
	flag.StringVar(&config, "c", "config.yml", "specify configuration file for service.")
	flag.BoolVar(&createUserFlag, "create-user", false, "create user")
	flag.BoolVar(&deleteUserFlag, "delete-user", false, "delete user")
	flag.Parse()

	lg := log.New(os.Stdout, pkg.DefaultLogPrefix, 1|4)
	lg.Printf("start dirwatch : with config file %v", config)

	cfg, err := pkg.ReadConfig(config)
	if err != nil {
		lg.Printf("error dirwatch : got error %v on reading configuration file %s", err, config)
		os.Exit(1)
	}

	lg.SetPrefix(cfg.Log.Prefix)
	var clg *logger.ColorLogger
	if cfg.Log.Color {
		clg = logger.NewColorLogger(lg)
	} else {
		clg = logger.NewColorLogger(lg, logger.WithoutColor())
	}

	clg.Infof("config dirwatch : type: %s, address: %s, backend: %s, recursive: %t, paths: %v",
		cfg.ServiceType, cfg.Address, cfg.Backend, cfg.IsRecursive(), cfg.Roots())

	if createUserFlag || deleteUserFlag {
		if err := manageUsers(cfg, createUserFlag); err != nil {
			clg.Errorf("user error : %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	switch cfg.ServiceType {
	case pkg.WatchType:
		err = runWatch(cfg, lg, clg)
	case pkg.ServerType:
		err = runServer(cfg, lg, clg)
	case pkg.ClientType:
		err = runClient(cfg, lg, clg)
	}

	if err != nil {
		clg.Errorf("%s error : %v", cfg.ServiceType, err)
		os.Exit(1)
	}
	clg.Successf("dirwatch : bye")
}

func manageUsers(cfg *pkg.Config, create bool) error {
	if cfg.Server.PwFile == "" {
		return errors.New("server.pwfile is not configured")
	}

	um := &user.UserManager{PwFile: cfg.Server.PwFile}
	if err := um.Init(); err != nil {
		return err
	}

	if create {
		cred, err := um.PromptCredential(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
		return um.CreateUser(*cred)
	}

	username, err := user.PromptUsername(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	return um.DeleteUser(username)
}

// newSession builds a stopped session over the configured roots. The caller
// closes both the session and the backend.
func newSession(cfg *pkg.Config, lg *log.Logger, listener watcher.Listener) (*watcher.Session, watcher.Backend, error) {
	backend, err := watcher.NewBackend(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}

	options := []watcher.Option{
		watcher.WithBackend(backend),
		watcher.WithRecursive(cfg.IsRecursive()),
	}
	if cfg.Log.Trace {
		options = append(options, watcher.WithLogger(lg))
	}

	s, err := watcher.NewSession(listener, options...)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	for _, root := range cfg.Roots() {
		if err := s.AddPath(root); err != nil {
			_ = backend.Close()
			return nil, nil, err
		}
	}
	return s, backend, nil
}

// supervise runs the session until SIGINT or SIGTERM. SIGHUP restarts it,
// which rescans every root. started, when set, runs after every start so
// state fed by the session can catch up with what it missed. done ends
// supervision early.
func supervise(s *watcher.Session, clg *logger.ColorLogger, done <-chan error, started func() error) error {
	start := func(what string) {
		if err := s.Start(); err != nil {
			clg.Warnf("session : %s with errors %v", what, err)
		}
		if started != nil {
			if err := started(); err != nil {
				clg.Warnf("session : %s, catching up failed %v", what, err)
			}
		}
		clg.Successf("session : watching %d directories", len(s.Watched()))
	}

	start("started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case err := <-done:
			return err
		case v := <-sig:
			if v != syscall.SIGHUP {
				clg.Infof("session : got %v, stopping", v)
				return s.Stop()
			}

			clg.Infof("session : got %v, restarting", v)
			_ = s.Stop()
			start("restarted")
		}
	}
}

func runWatch(cfg *pkg.Config, lg *log.Logger, clg *logger.ColorLogger) error {
	s, backend, err := newSession(cfg, lg, logger.EventPrinter(clg))
	if err != nil {
		return err
	}
	defer backend.Close()
	defer s.Close()

	return supervise(s, clg, nil, nil)
}

func runServer(cfg *pkg.Config, lg *log.Logger, clg *logger.ColorLogger) error {
	options := []server.Option{
		server.WithLogger(lg),
		server.WithQueueSize(cfg.Server.Queue),
	}

	if cfg.Server.PwFile != "" {
		um := &user.UserManager{PwFile: cfg.Server.PwFile}
		if err := um.Init(); err != nil {
			return err
		}
		clg.Infof("server : %d users can join", len(um.Users()))
		options = append(options, server.WithUserManager(um))
	}

	if cfg.Server.TLS.Cert != "" {
		options = append(options, server.WithTLS(&server.TLS{Cert: cfg.Server.TLS.Cert, Key: cfg.Server.TLS.Key}))
	}

	ix, err := index.NewIndex(lg, cfg.Roots()...)
	if err != nil {
		return err
	}
	clg.Infof("server : indexed %d entries", ix.Len())
	options = append(options, server.WithIndex(ix))

	srv := server.NewServer(cfg.Address, options...)
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()

	// the index must see an event before the server publishes it
	s, backend, err := newSession(cfg, lg, watcher.Listeners(ix, srv))
	if err != nil {
		return err
	}
	defer backend.Close()
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run()
	}()

	// deletes missed while stopped would otherwise stay indexed
	return supervise(s, clg, done, ix.Rescan)
}

func runClient(cfg *pkg.Config, lg *log.Logger, clg *logger.ColorLogger) error {
	options := []client.Option{
		client.WithLogger(lg),
		client.WithCredentials(cfg.Client.Username, cfg.Client.Password),
		client.WithPaths(cfg.Client.Paths...),
	}
	if cfg.Client.TLS {
		options = append(options, client.WithTLS(&tls.Config{InsecureSkipVerify: cfg.Client.Insecure}))
	}

	cli := client.NewClient(cfg.Address, logger.EventPrinter(clg), options...)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		_ = cli.Close()
	}()

	return cli.Run()
}
