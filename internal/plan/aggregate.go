package plan

// Aggregate 根据计划当前的步骤列表划分成功与失败结果。
//
// 不属于计划当前步骤的结果会被忽略；TotalSteps 始终取 len(p.Steps)。
func Aggregate(p *Plan, results []StepResult) AggregatedResults {
	agg := AggregatedResults{Completed: []StepResult{}, Failed: []StepResult{}}
	if p == nil {
		return agg
	}
	agg.PlanID = p.ID
	agg.TotalSteps = len(p.Steps)

	latest := make(map[string]StepResult, len(results))
	for _, r := range results {
		latest[r.StepID] = r
	}

	recorded := 0
	for _, step := range p.Steps {
		r, ok := latest[step.ID]
		if !ok {
			continue
		}
		recorded++
		switch r.Status {
		case StatusSuccess:
			agg.Completed = append(agg.Completed, r)
		case StatusFailure:
			agg.Failed = append(agg.Failed, r)
		}
	}
	if recorded > 0 {
		agg.SuccessRate = float64(len(agg.Completed)) / float64(recorded)
	}
	return agg
}

// CompletedIDs 返回已成功步骤的 ID 集合。
func (a AggregatedResults) CompletedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(a.Completed))
	for _, r := range a.Completed {
		ids[r.StepID] = struct{}{}
	}
	return ids
}

// FailedIDs 返回失败步骤的 ID 集合。
func (a AggregatedResults) FailedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(a.Failed))
	for _, r := range a.Failed {
		ids[r.StepID] = struct{}{}
	}
	return ids
}

// Result 查找某个步骤的结果。
func (a AggregatedResults) Result(stepID string) (StepResult, bool) {
	for _, r := range a.Completed {
		if r.StepID == stepID {
			return r, true
		}
	}
	for _, r := range a.Failed {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepResult{}, false
}
