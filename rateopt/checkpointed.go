package rateopt

import (
	"github.com/DavidGoldLab/GeneRax/checkpoint"
)

// OptimizeCheckpointed wraps Optimize with checkpoint resume: a final
// checkpoint short-circuits the search, an unfinished one replaces
// the starting point.
func OptimizeCheckpointed(method Method, o *Objective, start Parameters, ck *checkpoint.IO) Parameters {
	if ck != nil {
		data, err := ck.Load()
		if err != nil {
			log.Error("Error loading checkpoint: ", err)
		} else if data != nil {
			restored := NewParameters(data.Values...)
			restored.Score = data.Score
			if data.Final {
				// Leave the engines at the stored optimum.
				restored.Score = o.Eval(restored.Values)
				return restored
			}
			start = restored
		}
	}
	best := Optimize(method, o, start)
	if ck != nil {
		if err := ck.Save(&checkpoint.Data{Values: best.Values, Score: best.Score, Final: true}); err != nil {
			log.Error("Error saving checkpoint: ", err)
		}
	}
	return best
}
