package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes operational counters to InfluxDB through the non-blocking
// write API. A nil Recorder is valid and drops everything, so callers never
// guard their metric calls.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewRecorder connects a recorder to InfluxDB.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// ClaimSubmitted records a submission tagged by risk tier.
func (r *Recorder) ClaimSubmitted(tier string) {
	r.point("claims_submitted", map[string]string{"tier": tier})
}

// ClaimDecided records a review outcome.
func (r *Recorder) ClaimDecided(decision string) {
	r.point("claims_decided", map[string]string{"decision": decision})
}

// DisbursementResolved records a settlement outcome.
func (r *Recorder) DisbursementResolved(status string) {
	r.point("disbursements_resolved", map[string]string{"status": status})
}

// DonationConfirmed records a confirmed donation for a category.
func (r *Recorder) DonationConfirmed(category string) {
	r.point("donations_confirmed", map[string]string{"category": category})
}

// LedgerUnavailable records a failed chain submission.
func (r *Recorder) LedgerUnavailable() {
	r.point("ledger_unavailable", nil)
}

func (r *Recorder) point(measurement string, tags map[string]string) {
	if r == nil || r.write == nil {
		return
	}
	p := influxdb2.NewPoint(measurement, tags, map[string]interface{}{"count": 1}, time.Now())
	r.write.WritePoint(p)
}

// Close flushes buffered points and releases the client.
func (r *Recorder) Close() {
	if r == nil || r.client == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
}
