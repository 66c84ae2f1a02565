package tsdb

import (
	"context"

	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
)

// Querier is the slice of the query API the digest needs: run a flux query,
// get the scalar result column back.
type Querier interface {
	QueryValues(ctx context.Context, flux string) ([]float64, error)
}

type influxQuerier struct {
	api influxdb2api.QueryAPI
}

func NewQuerier(api influxdb2api.QueryAPI) Querier {
	return &influxQuerier{api: api}
}

func (q *influxQuerier) QueryValues(ctx context.Context, flux string) ([]float64, error) {
	result, err := q.api.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	var out []float64
	for result.Next() {
		switch v := result.Record().Value().(type) {
		case float64:
			out = append(out, v)
		case int64:
			out = append(out, float64(v))
		case uint64:
			out = append(out, float64(v))
		}
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
