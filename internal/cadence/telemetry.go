package cadence

// Metric key namespace for screen-share frame-rate constraints
// telemetry, matching the table in spec.md §4.5.
const (
	metricConstraintsExists            = "screenshare.constraints.exists"
	metricConstraintsMinExists         = "screenshare.constraints.min.exists"
	metricConstraintsMinValue          = "screenshare.constraints.min.value"
	metricConstraintsMaxExists         = "screenshare.constraints.max.exists"
	metricConstraintsMaxValue          = "screenshare.constraints.max.value"
	metricConstraintsMinUnsetMax       = "screenshare.constraints.min_unset.max"
	metricConstraintsMinLessThanMaxMin = "screenshare.constraints.min_less_than_max.min"
	metricConstraintsMinLessThanMaxMax = "screenshare.constraints.min_less_than_max.max"
	metricConstraintsMinMaxScalar      = "screenshare.constraints.min_max_scalar"
)

// emitConstraintsTelemetry emits the one-shot sample set described in
// spec.md §4.5, given the constraints in effect and whether
// OnConstraintsChanged has ever been called since zero-hertz mode was
// last activated.
func emitConstraintsTelemetry(sink MetricsSink, constraints Constraints, changed bool) {
	if !changed {
		sink.RecordEnum(metricConstraintsExists, 0)
		return
	}
	sink.RecordEnum(metricConstraintsExists, 1)

	sink.RecordEnum(metricConstraintsMinExists, boolToInt(constraints.MinFPS != nil))
	if constraints.MinFPS != nil {
		sink.RecordSample(metricConstraintsMinValue, *constraints.MinFPS)
	}

	sink.RecordEnum(metricConstraintsMaxExists, boolToInt(constraints.MaxFPS != nil))
	if constraints.MaxFPS != nil {
		sink.RecordSample(metricConstraintsMaxValue, *constraints.MaxFPS)
	}

	if constraints.MinFPS == nil && constraints.MaxFPS != nil {
		sink.RecordSample(metricConstraintsMinUnsetMax, *constraints.MaxFPS)
	}

	if constraints.MinFPS != nil && constraints.MaxFPS != nil {
		min, max := *constraints.MinFPS, *constraints.MaxFPS
		if min < max {
			sink.RecordSample(metricConstraintsMinLessThanMaxMin, min)
			sink.RecordSample(metricConstraintsMinLessThanMaxMax, max)
		}
		sink.RecordSample(metricConstraintsMinMaxScalar, 60*min+max-1)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
