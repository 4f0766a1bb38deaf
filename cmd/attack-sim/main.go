// Command attack-sim runs the adversarial scenario suite against the
// transfer gate. By default it stands up the full gate in-process and
// attacks it directly; with -target it attacks a running instance over
// HTTP. The exit code is nonzero when any scenario fails.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"idsgate/pkg/attacksim"
	"idsgate/pkg/auth"
	"idsgate/pkg/gateway"
	"idsgate/pkg/handshake"
	"idsgate/pkg/mlmodel"
	"idsgate/pkg/ratelimit"
	"idsgate/pkg/scorer"
	"idsgate/pkg/upload"
)

func main() {
	var (
		target   = flag.String("target", "", "base URL of a running gate (empty = in-process)")
		email    = flag.String("email", "test@example.com", "login email")
		password = flag.String("password", "Test123!@#", "login password")
		attempts = flag.Int("attempts", 50, "brute-force attempt count")
		pace     = flag.Duration("pace", 100*time.Millisecond, "delay between brute-force attempts")
		timeout  = flag.Duration("timeout", 5*time.Minute, "overall run ceiling")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var client attacksim.Client
	if *target != "" {
		client = attacksim.NewHTTPClient(*target)
	} else {
		srv, err := inProcessGate(log, *email, *password)
		if err != nil {
			log.WithError(err).Fatal("in-process gate setup failed")
		}
		client = &attacksim.InProcessClient{Server: srv}
	}

	driver := attacksim.NewDriver(client, attacksim.Config{
		Email:      *email,
		Password:   *password,
		Attempts:   *attempts,
		Pace:       *pace,
		RunTimeout: *timeout,
		Logger:     log,
	})

	summary := driver.Run(context.Background())
	for _, out := range summary.Outcomes {
		entry := log.WithFields(logrus.Fields{"scenario": out.Name, "detail": out.Detail})
		if out.Passed {
			entry.Info("PASS")
		} else {
			entry.Error("FAIL")
		}
	}
	log.WithFields(logrus.Fields{
		"passed": summary.Passed,
		"total":  summary.Total,
	}).Info("attack simulation complete")

	if summary.Passed != summary.Total {
		os.Exit(1)
	}
}

// inProcessGate assembles the production components without the HTTP layer.
func inProcessGate(log *logrus.Logger, email, password string) (*gateway.Server, error) {
	authMgr, err := auth.NewManager(auth.Config{
		Secret:   []byte("attack-sim-local-secret-0123456789abcdef"),
		TokenTTL: time.Hour,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	store, err := mlmodel.NewStore(mlmodel.StoreConfig{Logger: log})
	if err != nil {
		return nil, err
	}
	sc := scorer.New(store, scorer.Config{Logger: log})
	engine := handshake.NewEngine(sc, handshake.Config{HybridKEM: true, Logger: log})
	gate := upload.NewGate(sc, upload.Config{Logger: log})
	limiter := ratelimit.NewSlidingWindowLimiter(nil, 20, time.Minute, 5)

	return gateway.New(gateway.Config{
		Auth:    authMgr,
		Engine:  engine,
		Gate:    gate,
		Limiter: limiter,
		Logger:  log,
	}), nil
}
