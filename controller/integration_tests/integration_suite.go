package integration_tests

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	ctrlbootstrap "github.com/yaron8/buffer-sizing/controller/bootstrap"
	ctrlconfig "github.com/yaron8/buffer-sizing/controller/config"
	genbootstrap "github.com/yaron8/buffer-sizing/generator/bootstrap"
	genconfig "github.com/yaron8/buffer-sizing/generator/config"
	"github.com/yaron8/buffer-sizing/generator/emulator"
)

const (
	maxRetries = 50
	retryDelay = 100 * time.Millisecond
)

// IntegrationTestSuite runs a controller and a router emulator in-process,
// wired to each other over loopback sockets.
type IntegrationTestSuite struct {
	suite.Suite

	controllerURL string
	generatorURL  string
	router        *emulator.Router
	redisUp       bool

	cancel context.CancelFunc
	done   chan struct{}
}

// SetupSuite runs once before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	redisHost := os.Getenv("BUFSIZE_REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}
	s.redisUp = redisReachable(redisHost)
	if !s.redisUp {
		s.T().Log("Redis not reachable, sample storage checks will be skipped")
	}

	captureAddr := s.freeUDP()
	routerCmd := s.freeTCP()
	generatorCmd := s.freeTCP()
	updateAddr := s.freeTCP()
	controllerPort := s.freePort()
	generatorPort := s.freePort()

	ctrlCfg := &ctrlconfig.Config{
		Port: controllerPort,
		Redis: ctrlconfig.RedisConfig{
			Host:          redisHost,
			Port:          6379,
			TTL:           time.Minute,
			MaxSamples:    10_000,
			QueueSize:     4096,
			BatchSize:     64,
			FlushInterval: 50 * time.Millisecond,
		},
		Command: ctrlconfig.CommandConfig{
			WriteTimeout:   time.Second,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
		},
		RefreshInterval: 50 * time.Millisecond,
		Topology: &ctrlconfig.Topology{
			Routers: []ctrlconfig.RouterSpec{{
				Name:          "router-0",
				CaptureAddr:   captureAddr,
				CommandAddr:   routerCmd,
				GeneratorAddr: generatorCmd,
				Links: []ctrlconfig.LinkSpec{{
					ID:           "nf0",
					Queue:        1,
					Mode:         "bytes",
					Rule:         "rule_of_thumb",
					RTTMs:        50,
					NumFlows:     100,
					RateRegister: 2,
					UpdateAddr:   updateAddr,
				}},
			}},
		},
	}
	controller, err := ctrlbootstrap.New(ctrlCfg)
	s.Require().NoError(err, "Failed to build controller")

	genCfg := &genconfig.Config{
		Port:                 generatorPort,
		CacheTTL:             100 * time.Millisecond,
		CaptureAddr:          captureAddr,
		UpdateAddr:           updateAddr,
		RouterCommandAddr:    routerCmd,
		GeneratorCommandAddr: generatorCmd,
		Queue:                1,
		Interval:             5 * time.Millisecond,
		UpdateInterval:       50 * time.Millisecond,
		MaxEvents:            200,
		HistorySize:          100,
		RateRegister:         2,
		NumFlows:             10,
		TargetBps:            200_000_000,
		PacketBytes:          1496,
		Seed:                 1,
		InitialBackoff:       20 * time.Millisecond,
		MaxBackoff:           200 * time.Millisecond,
	}
	generator := genbootstrap.New(genCfg)
	s.router = generator.Router()

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		errs := make(chan error, 2)
		go func() { errs <- controller.Start(ctx) }()
		go func() { errs <- generator.Start(ctx) }()
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil {
				s.T().Logf("Component stopped with error: %v", err)
			}
		}
	}()

	s.controllerURL = fmt.Sprintf("http://127.0.0.1:%d", controllerPort)
	s.generatorURL = fmt.Sprintf("http://127.0.0.1:%d", generatorPort)

	s.T().Log("Waiting for services to be ready...")
	s.waitForService(s.controllerURL + "/health")
	s.waitForService(s.generatorURL + "/health")
}

// TearDownSuite runs once after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.T().Log("Warning: components did not stop within 10s")
	}
}

// waitForService waits for a service to become available
func (s *IntegrationTestSuite) waitForService(url string) {
	client := &http.Client{
		Timeout: time.Second,
	}

	for i := 0; i < maxRetries; i++ {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			s.T().Logf("Service at %s is ready", url)
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(retryDelay)
	}

	s.Require().Fail(fmt.Sprintf("Service at %s did not become ready after %d attempts", url, maxRetries))
}

func (s *IntegrationTestSuite) freePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func (s *IntegrationTestSuite) freeTCP() string {
	return fmt.Sprintf("127.0.0.1:%d", s.freePort())
}

func (s *IntegrationTestSuite) freeUDP() string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer conn.Close()
	return conn.LocalAddr().String()
}

func redisReachable(host string) bool {
	client := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:6379", host),
		MaxRetries: -1,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}
