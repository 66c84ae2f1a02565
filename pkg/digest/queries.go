package digest

import "fmt"

const window = "-24h"

// metricQuery is one digest line: a named flux query body that an aggregate
// function (|> min() etc.) gets appended to.
type metricQuery struct {
	name string
	flux string
}

func fieldQuery(bucket, device, field string) string {
	return fmt.Sprintf(`from(bucket:%q)
    |> range(start: %s)
    |> filter(fn: (r) => r["topic"] =~ /^%s.+/)
    |> filter(fn: (r) => r["_field"] == %q)
    |> keep(columns: ["_value", "_field", "_time"])
    `, bucket, window, device, field)
}

func particulateQuery(bucket, device, field string) string {
	return fmt.Sprintf(`from(bucket:%q)
    |> range(start: %s)
    |> filter(fn: (r) => r["topic"] =~ /^%s.+/)
    |> filter(fn: (r) => r["_field"] == %q)
    |> drop(columns: ["topic", "_measurement", "bucket"])
    `, bucket, window, device, field)
}

// seaPressureQuery reduces station pressure to sea level using the barometric
// formula, joining on the concurrent temperature series.
func seaPressureQuery(bucket, device string, altitudeM int) string {
	return fmt.Sprintf(`import "math"
    seaPressure = (t,p) => p * (math.exp(x: 9.80665 * 0.0289644 * %d.0 / (8.31447 * (t + 273.15))))
    temperature = from(bucket:%q)
    |> range(start: %s)
    |> filter(fn: (r) => r["topic"] =~ /^%s.+/)
    |> filter(fn: (r) => r["_field"] == "temperature")
    |> keep(columns: ["_value", "_field", "_time"])
    |> aggregateWindow(every: 10m, fn: mean, createEmpty: false)
    pressure = from(bucket: %q)
    |> range(start: %s)
    |> filter(fn: (r) => r["topic"] =~ /^%s.+/)
    |> filter(fn: (r) => r["_field"] == "pressure")
    |> keep(columns: ["_value", "_field", "_time"])
    |> aggregateWindow(every: 10m, fn: mean, createEmpty: false)
    join(tables: {temperature, pressure}, on: ["_time"])
    |> map(fn: (r) => ({r with _value: seaPressure(t: r._value_temperature, p: r._value_pressure)}))
    |> keep(columns: ["_value", "_time"])
    |> set(key: "_field", value: "pressure")
    `, altitudeM, bucket, window, device, bucket, window, device)
}

func buildQueries(bucket string, devices []string, altitudeM int) []metricQuery {
	first := devices[0]
	queries := []metricQuery{
		{"temp", fieldQuery(bucket, first, "temperature")},
		{"humidity", fieldQuery(bucket, first, "humidity")},
		{"pressure", seaPressureQuery(bucket, first, altitudeM)},
		{"pm25", particulateQuery(bucket, first, "pm25")},
		{"pm10", particulateQuery(bucket, first, "pm10")},
		{"soundDbA", particulateQuery(bucket, first, "soundDbA")},
	}
	if len(devices) > 1 {
		second := devices[1]
		queries = append(queries,
			metricQuery{"rTemp", fieldQuery(bucket, second, "temperature")},
			metricQuery{"rHumidity", fieldQuery(bucket, second, "humidity")},
		)
	}
	return queries
}
