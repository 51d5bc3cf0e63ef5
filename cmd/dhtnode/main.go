// Command dhtnode runs a single DHT node: it loads or generates an
// identity, opens a TCP PeerLink, starts the protocol engine and its
// background scheduler, optionally serves the HTTP control surface, and
// dials any configured bootstrap peers. Grounded on the teacher's
// main.go flag/fmt.Println startup sequence, generalized from UDP +
// Proof-of-Space + secure-handshake join to TCP + plain routing-table
// bootstrap (see DESIGN.md for why PoS and JOIN_* were dropped).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/kutluhann/dfss-kad/api"
	"github.com/kutluhann/dfss-kad/config"
	"github.com/kutluhann/dfss-kad/dht"
	"github.com/kutluhann/dfss-kad/identity"
	"github.com/kutluhann/dfss-kad/transport/tcp"
)

func main() {
	listenAddr := flag.String("listen", "", "TCP address to listen on (overrides DHT_LISTEN_ADDR)")
	httpAddr := flag.String("http", "", "HTTP control surface address (overrides DHT_HTTP_ADDR)")
	identityPath := flag.String("identity", "", "path to sealed identity key file (overrides DHT_IDENTITY_PATH)")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap peer addresses (overrides DHT_BOOTSTRAP_PEERS)")
	flag.Parse()

	cfg := config.Load()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *identityPath != "" {
		cfg.IdentityPath = *identityPath
	}
	if *bootstrap != "" {
		cfg.BootstrapPeers = append(cfg.BootstrapPeers[:0], splitCommaList(*bootstrap)...)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	fmt.Println("Loading identity...")
	id, err := identity.LoadOrGenerate(cfg.IdentityPath, cfg.IdentityPassphrase)
	if err != nil {
		log.Error("failed to load identity", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Node identity: %s\n", id.ID.String())

	transport := tcp.New(id.ID, log)
	engine := dht.NewEngine(id.ID, transport, nil, log)
	transport.SetSink(engine)

	boundAddr, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		log.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Listening on %s\n", boundAddr)

	sched := dht.NewScheduler(engine)
	sched.Start()
	defer sched.Stop()

	if cfg.HTTPAddr != "" {
		srv := api.NewServer(engine)
		go func() {
			fmt.Printf("HTTP control surface listening on %s\n", cfg.HTTPAddr)
			if err := http.ListenAndServe(cfg.HTTPAddr, srv.Handler()); err != nil {
				log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	if len(cfg.BootstrapPeers) == 0 {
		fmt.Println("--> Running as a genesis node, no bootstrap configured")
	} else {
		for _, addr := range cfg.BootstrapPeers {
			fmt.Printf("--> Bootstrapping via %s\n", addr)
			if _, err := transport.Dial(addr); err != nil {
				log.Warn("bootstrap dial failed", "addr", addr, "err", err)
				continue
			}
		}

		fmt.Println("Performing self-lookup to populate routing table...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		closest := engine.FindNode(ctx, id.ID)
		cancel()
		fmt.Printf("Bootstrap complete, found %d nodes close to self\n", len(closest))
	}

	select {}
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
