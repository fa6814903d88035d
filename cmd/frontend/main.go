// Command frontend is the offloading frontend's entrypoint: it opens
// a serial channel, resets the target with a break signal, sends the
// startup handshake, and runs the per-channel dispatch loop until the
// target exits or the channel dies.
package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	"github.com/mbedhost/offloadfrontend/internal/adminhttp"
	"github.com/mbedhost/offloadfrontend/internal/config"
	"github.com/mbedhost/offloadfrontend/internal/dispatch"
	"github.com/mbedhost/offloadfrontend/internal/frame"
	"github.com/mbedhost/offloadfrontend/internal/frontend"
	"github.com/mbedhost/offloadfrontend/internal/handles"
	"github.com/mbedhost/offloadfrontend/internal/hostfs"
	"github.com/mbedhost/offloadfrontend/internal/hostnet"
	"github.com/mbedhost/offloadfrontend/internal/observability"
	"github.com/mbedhost/offloadfrontend/internal/serialport"
)

// debugWriter routes bytes discarded during sync-recovery to the
// structured logger's debug level instead of just counting them.
type debugWriter struct {
	log zerolog.Logger
}

func (w debugWriter) Write(p []byte) (int, error) {
	w.log.Debug().Bytes("discarded", p).Msg("sync discarded byte")
	return len(p), nil
}

func main() {
	portFlag := flag.String("port", "", "serial device path (overrides config)")
	configFlag := flag.String("config", "", "path to a frontend config TOML file")
	adminAddrFlag := flag.String("admin-addr", "", "address for the optional admin HTTP surface (overrides config)")
	flag.Parse()
	targetArgv := flag.Args()

	debug := os.Getenv("FRONTEND_DEBUG") != ""
	logger := observability.InitLogger("frontend", debug)

	cfg, err := config.LoadConfig(*configFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	device := cfg.SerialDevice
	if *portFlag != "" {
		device = *portFlag
	}
	adminAddr := cfg.AdminAddr
	if *adminAddrFlag != "" {
		adminAddr = *adminAddrFlag
	}

	port, err := serialport.Open(device)
	if err != nil {
		logger.Fatal().Err(err).Str("device", device).Msg("failed to open serial port")
	}

	// A failed break signal doesn't stop startup; the target may still
	// come up on its own reset path.
	if err := port.SendBreak(); err != nil {
		logger.Warn().Err(err).Msg("send break reported an error, continuing")
	}

	if err := frame.WriteHandshake(port, frame.EncodeArgv(targetArgv)); err != nil {
		logger.Fatal().Err(err).Msg("handshake write failed")
	}

	handleTable := &handles.Table{}
	dispatcher := &dispatch.Dispatcher{
		Net:     hostnet.OSNet{},
		FS:      hostfs.OSFS{},
		Handles: handleTable,
		Sockets: &hostnet.SocketTable{},
		Log:     logger,
	}

	if adminAddr != "" {
		admin := adminhttp.NewServer(handleTable)
		go func() {
			if err := admin.ListenAndServe(adminAddr); err != nil {
				logger.Error().Err(err).Msg("admin HTTP server stopped")
			}
		}()
	}

	ctx := &frontend.Context{
		Conn:           port,
		Dispatcher:     dispatcher,
		MaxOutputBytes: cfg.MaxStringLength,
		MaxAllocBytes:  cfg.MaxAllocBytes,
		DebugSink:      debugWriter{log: logger},
		Log:            logger,
	}

	os.Exit(ctx.Run())
}
