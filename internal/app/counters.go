package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reimportd/internal/config"
	"reimportd/internal/reconcile"
)

// counterSet owns the two counters compared by the reconciler.
type counterSet struct {
	auth   reconcile.Counter
	down   reconcile.Counter
	closes []func() error
}

func (s *counterSet) Close() error {
	var errs []error
	for _, c := range s.closes {
		errs = append(errs, c())
	}
	s.closes = nil
	return errors.Join(errs...)
}

// openCounters connects to the authoritative database and the downstream
// search store configured under sources.
func openCounters(ctx context.Context, cfg *config.Config) (*counterSet, error) {
	set := &counterSet{}

	a := cfg.Sources.Authoritative
	if strings.TrimSpace(a.DSN) == "" || strings.TrimSpace(a.Query) == "" {
		return nil, errors.New("sources.authoritative: dsn and query are required")
	}
	timeout, err := config.ParseDurationField("sources.authoritative.timeout", a.Timeout)
	if err != nil {
		return nil, err
	}
	sc, err := reconcile.OpenSQLCounter(a.Driver, a.DSN, reconcile.SQLOptions{
		Query:       a.Query,
		ParamLayout: a.ParamLayout,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("authoritative counter: %w", err)
	}
	set.auth = sc
	set.closes = append(set.closes, sc.Close)

	d := cfg.Sources.Downstream
	switch kind := strings.ToLower(strings.TrimSpace(d.Kind)); kind {
	case "elastic":
		if d.Elastic == nil {
			_ = set.Close()
			return nil, errors.New("sources.downstream.elastic: missing section")
		}
		e := d.Elastic
		timeout, err := config.ParseDurationField("sources.downstream.elastic.timeout", e.Timeout)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		ec, err := reconcile.NewElasticCounter(reconcile.ElasticOptions{
			URL:        e.URL,
			Index:      e.Index,
			DateField:  e.DateField,
			Query:      e.Query,
			Username:   e.Username,
			Password:   e.Password,
			RatePerSec: e.RatePerSec,
			Timeout:    timeout,
		})
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.down = ec
	case "mongo":
		if d.Mongo == nil {
			_ = set.Close()
			return nil, errors.New("sources.downstream.mongo: missing section")
		}
		m := d.Mongo
		timeout, err := config.ParseDurationField("sources.downstream.mongo.timeout", m.Timeout)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		mc, err := reconcile.OpenMongoCounter(ctx, reconcile.MongoOptions{
			URI:        m.URI,
			Database:   m.Database,
			Collection: m.Collection,
			DateField:  m.DateField,
			Filter:     m.Filter,
			Timeout:    timeout,
		})
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("downstream counter: %w", err)
		}
		set.down = mc
		set.closes = append(set.closes, mc.Close)
	default:
		_ = set.Close()
		return nil, fmt.Errorf("sources.downstream.kind: %q is not supported (use elastic or mongo)", d.Kind)
	}
	return set, nil
}
