package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	OpportunitiesTotal.WithLabelValues("BTC/USDT").Inc()
	TradeOutcomesTotal.WithLabelValues("arbitrage", "executed").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{"arbexec_opportunities_total", "arbexec_trade_outcomes_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("%s not exported", name)
		}
	}
}
