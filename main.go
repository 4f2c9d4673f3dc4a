package main

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"msignal/config"
	"msignal/db"
	"msignal/push"
	"msignal/server"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	cfg.ConfigureLogging()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"db_path":  cfg.DBPath,
			"error":    err.Error(),
		}).Fatal("Failed to initialize database")
	}
	defer database.Close()

	dispatcher := push.New(cfg.PushWebhook)

	srvConfig := &server.ServerConfig{
		Port:         cfg.Port,
		WSAddr:       cfg.WSAddr,
		ReadTimeout:  config.Seconds(cfg.ReadTimeout),
		WriteTimeout: config.Seconds(cfg.WriteTimeout),
		RingTimeout:  config.Seconds(cfg.RingTimeout),
		TypingTTL:    config.Seconds(cfg.TypingTTL),
		SendBuffer:   cfg.SendBuffer,
	}

	srv := server.New(database, srvConfig, dispatcher)

	stop := func(reason string, until time.Time) {
		srv.Shutdown(reason, until)
		if w, ok := dispatcher.(*push.WebhookDispatcher); ok {
			w.Wait()
		}
		database.Close()
		os.Remove(cfg.ControlSocket)
		os.Exit(0)
	}

	if cfg.ControlSocket != "" {
		go startControlSocket(srv, cfg.ControlSocket, stop)
	}

	if srvConfig.WSAddr != "" {
		go func() {
			if err := srv.StartWS(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "main",
					"addr":     srvConfig.WSAddr,
					"error":    err.Error(),
				}).Error("WebSocket listener failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Received signal, shutting down")
		stop("maintenance", time.Time{})
	}()

	if err := srv.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"port":     cfg.Port,
			"error":    err.Error(),
		}).Fatal("Server failed")
	}
	select {}
}

func startControlSocket(srv *server.Server, path string, stop func(string, time.Time)) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startControlSocket",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to create control socket")
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	logrus.WithField("path", path).Info("Control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn, stop)
	}
}

// handleControlCommand serves one of:
//
//	stats
//	shutdown|REASON|RFC3339
func handleControlCommand(srv *server.Server, conn net.Conn, stop func(string, time.Time)) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time

		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			if completionTime, err = time.Parse(time.RFC3339, parts[2]); err != nil {
				conn.Write([]byte("ERROR|Invalid completion time\n"))
				return
			}
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		logrus.WithFields(logrus.Fields{
			"function":   "handleControlCommand",
			"reason":     reason,
			"completion": completionTime,
		}).Info("Shutdown requested")
		stop(reason, completionTime)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
