package otel

import otelMetric "go.opentelemetry.io/otel/metric"

type allMeters struct {
	request requestMeters
	http    httpMeters
}

type requestMeters struct {
	inFlight       otelMetric.Int64UpDownCounter
	duration       otelMetric.Float64Histogram
	cancelled      otelMetric.Int64Counter
	lateDeliveries otelMetric.Int64Counter
	artifactBytes  otelMetric.Int64Counter
}

type httpMeters struct {
	inFlight  otelMetric.Int64UpDownCounter
	duration  otelMetric.Float64Histogram
	bodyBytes otelMetric.Int64Counter
}

func newMeters(meter otelMetric.Meter) *allMeters {
	return &allMeters{
		request: requestMeters{
			inFlight:       upDownCounter(meter, requestMeterPrefix+"in_flight", "Requests: in flight requests."),
			duration:       histogram(meter, requestMeterPrefix+"duration", "Requests: duration from the start to the delivery.", "ms"),
			cancelled:      counter(meter, requestMeterPrefix+"cancelled", "Requests: cancelled by the caller."),
			lateDeliveries: counter(meter, requestMeterPrefix+"late_delivery", "Requests: results delivered after cancellation or completion."),
			artifactBytes:  bytesCounter(meter, requestMeterPrefix+"artifact.size", "Requests: size of downloaded artifacts."),
		},
		http: httpMeters{
			inFlight:  upDownCounter(meter, httpMeterPrefix+"request.in_flight", "HTTP request: in flight requests."),
			duration:  histogram(meter, httpMeterPrefix+"request.duration", "HTTP request: response received duration.", "ms"),
			bodyBytes: bytesCounter(meter, httpMeterPrefix+"response.body.size", "HTTP request: read response body bytes."),
		},
	}
}

func upDownCounter(meter otelMetric.Meter, name, desc string) otelMetric.Int64UpDownCounter {
	return mustInstrument(meter.Int64UpDownCounter(name, otelMetric.WithDescription(desc)))
}

func counter(meter otelMetric.Meter, name, desc string) otelMetric.Int64Counter {
	return mustInstrument(meter.Int64Counter(name, otelMetric.WithDescription(desc)))
}

func bytesCounter(meter otelMetric.Meter, name, desc string) otelMetric.Int64Counter {
	return mustInstrument(meter.Int64Counter(name, otelMetric.WithDescription(desc), otelMetric.WithUnit("By")))
}

func histogram(meter otelMetric.Meter, name, desc string, unit string) otelMetric.Float64Histogram {
	return mustInstrument(meter.Float64Histogram(name, otelMetric.WithDescription(desc), otelMetric.WithUnit(unit)))
}

func mustInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
