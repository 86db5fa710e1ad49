package integration_tests

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

const eventually = 10 * time.Second

// TestIntegrationSuite runs the integration test suite
func TestIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}

	suite.Run(t, new(IntegrationTestSuite))
}

func (s *IntegrationTestSuite) linkStatus() (link.Status, bool) {
	resp, err := http.Get(s.controllerURL + "/telemetry/ListLinks")
	if err != nil {
		return link.Status{}, false
	}
	defer resp.Body.Close()

	var statuses []link.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil || len(statuses) != 1 {
		return link.Status{}, false
	}
	return statuses[0], true
}

// TestHealthEndpoints tests /health on both services
func (s *IntegrationTestSuite) TestHealthEndpoints() {
	for _, url := range []string{s.controllerURL, s.generatorURL} {
		resp, err := http.Get(url + "/health")
		s.Require().NoError(err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
		assert.Equal(s.T(), "OK", string(body))
	}
}

// TestResyncOnConnect tests that a connecting router and generator receive
// the controller's current settings
func (s *IntegrationTestSuite) TestResyncOnConnect() {
	s.Require().Eventually(func() bool {
		st, ok := s.linkStatus()
		if !ok {
			return false
		}
		q := s.router.Queue().State()
		return q.RateRegister == st.RateRegister &&
			q.BufferPackets == st.BufferBytes/1000 &&
			q.NumFlows == st.NumFlows
	}, eventually, 50*time.Millisecond)
}

// TestTelemetryFlows tests that capture datagrams and UpdateInfo records
// reach the link
func (s *IntegrationTestSuite) TestTelemetryFlows() {
	s.Require().Eventually(func() bool {
		st, ok := s.linkStatus()
		return ok && st.ClockSynced && st.SmoothedBps > 0
	}, eventually, 50*time.Millisecond)

	resp, err := http.Get(s.controllerURL + "/metrics")
	s.Require().NoError(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(s.T(), string(body), `bufsize_capture_packets_total`)
}

// TestPolicyPushesCommands tests that a rate change reaches the emulated
// router as SET_RATE and SET_BUFFER_SIZE
func (s *IntegrationTestSuite) TestPolicyPushesCommands() {
	resp, err := http.Post(s.controllerURL+"/control/Policy?link=nf0", "application/json",
		strings.NewReader(`{"rule":"rule_of_thumb","rtt_ms":50,"rate_kbps":62500}`))
	s.Require().NoError(err)
	var st link.Status
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()

	s.Require().Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), 6, st.RateRegister)
	assert.Equal(s.T(), int64(390625), st.BufferBytes)

	s.Require().Eventually(func() bool {
		q := s.router.Queue().State()
		return q.RateRegister == 6 && q.BufferPackets == 390
	}, eventually, 20*time.Millisecond)

	resp, err = http.Post(s.controllerURL+"/control/Policy?link=nf0", "application/json",
		strings.NewReader(`{"num_flows":400}`))
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	s.Require().Eventually(func() bool {
		return s.router.Queue().State().NumFlows == 400
	}, eventually, 20*time.Millisecond)
}

// TestSamplesStored tests that link samples land in Redis
func (s *IntegrationTestSuite) TestSamplesStored() {
	if !s.redisUp {
		s.T().Skip("Redis not reachable")
	}

	s.Require().Eventually(func() bool {
		resp, err := http.Get(s.controllerURL + "/telemetry/GetSamples?link=nf0&series=" + string(telemetrics.SeriesOccupancy))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var samples []telemetrics.Sample
		return json.NewDecoder(resp.Body).Decode(&samples) == nil && len(samples) > 0
	}, eventually, 100*time.Millisecond)
}

// TestCountersEndpoint tests that the emulator history is served as CSV
// and conditional requests get 304
func (s *IntegrationTestSuite) TestCountersEndpoint() {
	var etag string
	s.Require().Eventually(func() bool {
		resp, err := http.Get(s.generatorURL + "/counters")
		if err != nil {
			return false
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		etag = resp.Header.Get("ETag")
		return resp.StatusCode == http.StatusOK && strings.Count(string(body), "\n") > 1
	}, eventually, 100*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, s.generatorURL+"/counters", nil)
	s.Require().NoError(err)
	req.Header.Set("If-None-Match", etag)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	// the snapshot may have rolled over in between
	assert.Contains(s.T(), []int{http.StatusOK, http.StatusNotModified}, resp.StatusCode)
}
