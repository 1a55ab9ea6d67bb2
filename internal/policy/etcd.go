package policy

import (
	"context"
	"log"
	"strings"

	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Recognized keys under the watch prefix.
const (
	keyHighRiskAmount      = "high_risk_amount"
	keyMediumRiskAmount    = "medium_risk_amount"
	keyAutoApprovalLimit   = "auto_approval_limit"
	keyAutoApprovalEnabled = "auto_approval_enabled"
)

// WatchEtcd loads policy overrides stored under prefix and keeps the provider
// updated as they change. It blocks until ctx is cancelled; callers run it in
// its own goroutine. Malformed values are logged and skipped so a bad write
// never takes the current policy down with it.
func WatchEtcd(ctx context.Context, cli *clientv3.Client, prefix string, pr *Provider) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}

	p := pr.Current()
	for _, kv := range resp.Kvs {
		applyKey(&p, strings.TrimPrefix(string(kv.Key), prefix), string(kv.Value))
	}
	pr.Update(p)

	watch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wresp, ok := <-watch:
			if !ok {
				return ctx.Err()
			}
			if err := wresp.Err(); err != nil {
				return err
			}
			p := pr.Current()
			for _, ev := range wresp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				applyKey(&p, strings.TrimPrefix(string(ev.Kv.Key), prefix), string(ev.Kv.Value))
			}
			pr.Update(p)
		}
	}
}

func applyKey(p *Policy, key, value string) {
	switch key {
	case keyHighRiskAmount, keyMediumRiskAmount, keyAutoApprovalLimit:
		d, err := decimal.NewFromString(value)
		if err != nil || !d.IsPositive() {
			log.Printf("policy: ignoring %s=%q: not a positive amount", key, value)
			return
		}
		switch key {
		case keyHighRiskAmount:
			p.HighRiskAmount = d
		case keyMediumRiskAmount:
			p.MediumRiskAmount = d
		case keyAutoApprovalLimit:
			p.AutoApprovalLimit = d
		}
	case keyAutoApprovalEnabled:
		p.AutoApprovalEnabled = value == "true" || value == "1"
	default:
		log.Printf("policy: unknown key %q", key)
	}
}
