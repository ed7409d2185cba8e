// mailrelay-server is the relay's server process: it accepts authenticated
// client connections, dispatches accepted mail to the local or remote
// queue, and relays outbound mail to other instances of itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"blitiri.com.ar/go/log"

	"mailrelay/internal/auth"
	"mailrelay/internal/config"
	"mailrelay/internal/dispatch"
	"mailrelay/internal/listener"
	"mailrelay/internal/maillog"
	"mailrelay/internal/monitor"
	"mailrelay/internal/protocol"
	"mailrelay/internal/queue"
	"mailrelay/internal/session"
	"mailrelay/internal/set"
)

var (
	configPath = flag.String("config", "/etc/mailrelay/mailrelay.yaml",
		"configuration file path")
	showVer = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("mailrelay-server %s\n", version)
		return
	}

	log.Infof("mailrelay-server starting (version %s)", version)

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	config.LogConfig(conf)

	if err := os.MkdirAll(conf.DataDir, 0755); err != nil {
		log.Fatalf("creating data dir %q: %v", conf.DataDir, err)
	}

	initMailLog(conf.MailLogPath)

	authStore, err := auth.Load(filepath.Join(conf.DataDir, "users.db"))
	if err != nil {
		log.Fatalf("error loading user database: %v", err)
	}

	localHosts := set.NewString(conf.Hostname, "localhost")
	localHosts.Add(conf.LocalHosts...)

	lsn := listener.New(conf.Hostname, conf.ListenAddress, authStore, nil)

	q := queue.New(lsn, &queue.NetDialer{ClientHostname: conf.Hostname, RelayPort: conf.RelayPort},
		filepath.Join(conf.DataDir, "queue"),
		filepath.Join(conf.DataDir, "logs"))
	q.Restore()

	lsn.Sink = &serverSink{dispatcher: dispatch.New(localHosts, q)}

	go signalHandler(q)

	if conf.MonitorAddress != "" {
		go func() {
			if err := monitor.ListenAndServe(conf.MonitorAddress, conf, q); err != nil {
				log.Errorf("monitoring server exited: %v", err)
			}
		}()
	}

	go q.Run()

	log.Infof("listening on %s", conf.ListenAddress)
	if err := lsn.ListenAndServe(); err != nil {
		log.Fatalf("listener exited: %v", err)
	}
}

// serverSink is the session.Sink wired into every server-side session:
// an accepted message goes straight to the dispatcher, everything else is
// just logged.
type serverSink struct {
	dispatcher *dispatch.Dispatcher
}

func (s *serverSink) ShowDialog(text, title, severity string) {
	log.Infof("%s: %s: %s", severity, title, text)
}

func (s *serverSink) Log(line string) {
	log.Infof("%s", line)
}

func (s *serverSink) OnMailReceived(msg *protocol.SmtpMailMessage) {
	s.dispatcher.Dispatch(msg)
}

func (s *serverSink) OnDisconnect() {}

func (s *serverSink) OnUserDisconnect(username string) {
	log.Infof("user %s disconnected", username)
}

var _ session.Sink = (*serverSink)(nil)

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("error opening mail log: %v", err)
	}
}

func signalHandler(q *queue.Queue) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("error reopening log: %v", err)
			}
			if err := maillog.Default.Reopen(); err != nil {
				log.Errorf("error reopening maillog: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("shutting down")
			q.Stop()
			if err := q.Persist(); err != nil {
				log.Errorf("error persisting queue on shutdown: %v", err)
			}
			os.Exit(0)
		}
	}
}
