package transform

import (
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// derive fills each derivation target that is still nil when every input is
// present. Inputs that are present but not numeric raise DerivationFailed.
func derive(entity *schema.Entity, values models.Row, offset int64) []models.Issue {
	var issues []models.Issue
	for _, d := range entity.Derivations {
		if values[d.Target] != nil {
			continue
		}
		inputs := make([]interface{}, 0, len(d.Sum))
		for _, f := range d.Sum {
			if v := values[f]; v != nil {
				inputs = append(inputs, v)
			}
		}
		if len(inputs) != len(d.Sum) {
			continue
		}

		sum, err := sumValues(inputs)
		if err != nil {
			issues = append(issues, models.Issue{
				Offset: offset,
				Field:  d.Target,
				Kind:   errors.KindDerivationFailed,
				Detail: err.Error(),
			})
			continue
		}
		values[d.Target] = sum
	}
	return issues
}

func sumValues(inputs []interface{}) (interface{}, error) {
	switch inputs[0].(type) {
	case models.Money:
		var total models.Money
		for _, v := range inputs {
			m, ok := v.(models.Money)
			if !ok {
				return nil, errors.Newf(errors.KindDerivationFailed, "cannot add %T to money", v)
			}
			total += m
		}
		return total, nil
	case int64:
		var total int64
		for _, v := range inputs {
			n, ok := v.(int64)
			if !ok {
				return nil, errors.Newf(errors.KindDerivationFailed, "cannot add %T to integer", v)
			}
			total += n
		}
		return total, nil
	case float64:
		var total float64
		for _, v := range inputs {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			total += f
		}
		return total, nil
	}
	return nil, errors.Newf(errors.KindDerivationFailed, "%T is not numeric", inputs[0])
}
