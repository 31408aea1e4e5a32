package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TreeEnsemble is a gradient-boosted tree model loaded from XGBoost's native
// JSON format (Booster.save_model("model.json")). Only the gbtree booster
// with a logistic objective is supported.
type TreeEnsemble struct {
	FeatureNames []string
	NumFeature   int
	baseMargin   float64
	trees        []tree
}

type tree struct {
	left        []int
	right       []int
	feature     []int
	threshold   []float64
	defaultLeft []bool
}

// Trees returns the number of boosted trees.
func (e *TreeEnsemble) Trees() int { return len(e.trees) }

// Margin returns the raw additive score (log-odds) for x.
func (e *TreeEnsemble) Margin(x []float64) float64 {
	sum := e.baseMargin
	for i := range e.trees {
		sum += e.trees[i].leaf(x)
	}
	return sum
}

// Predict returns the positive-class probability for x.
func (e *TreeEnsemble) Predict(x []float64) float64 {
	return sigmoid(e.Margin(x))
}

func (t *tree) leaf(x []float64) float64 {
	n := 0
	for t.left[n] != -1 {
		f := t.feature[n]
		var v float64
		if f < len(x) {
			v = x[f]
		} else {
			v = math.NaN()
		}
		switch {
		case math.IsNaN(v):
			if t.defaultLeft[n] {
				n = t.left[n]
			} else {
				n = t.right[n]
			}
		case v < t.threshold[n]:
			n = t.left[n]
		default:
			n = t.right[n]
		}
	}
	// XGBoost stores leaf weights in split_conditions.
	return t.threshold[n]
}

func sigmoid(m float64) float64 { return 1 / (1 + math.Exp(-m)) }

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

// ParseTreeEnsemble decodes an XGBoost JSON model.
func ParseTreeEnsemble(data []byte) (*TreeEnsemble, error) {
	var doc xgbDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scoring: decode model: %w", err)
	}
	l := doc.Learner

	if name := l.GradientBooster.Name; name != "" && name != "gbtree" {
		return nil, fmt.Errorf("scoring: unsupported booster %q", name)
	}
	switch l.Objective.Name {
	case "binary:logistic", "reg:logistic":
	default:
		return nil, fmt.Errorf("scoring: unsupported objective %q", l.Objective.Name)
	}
	if nc, _ := parseXGBNumber(l.ModelParam.NumClass); nc > 1 {
		return nil, fmt.Errorf("scoring: multi-class models are not supported")
	}

	baseScore, err := parseXGBNumber(l.ModelParam.BaseScore)
	if err != nil {
		return nil, fmt.Errorf("scoring: base_score: %w", err)
	}
	if baseScore <= 0 || baseScore >= 1 {
		return nil, fmt.Errorf("scoring: base_score %v outside (0,1)", baseScore)
	}
	numFeature, err := parseXGBNumber(l.ModelParam.NumFeature)
	if err != nil {
		return nil, fmt.Errorf("scoring: num_feature: %w", err)
	}

	e := &TreeEnsemble{
		FeatureNames: l.FeatureNames,
		NumFeature:   int(numFeature),
		baseMargin:   logit(baseScore),
	}
	for i, raw := range l.GradientBooster.Model.Trees {
		t, err := raw.build()
		if err != nil {
			return nil, fmt.Errorf("scoring: tree %d: %w", i, err)
		}
		e.trees = append(e.trees, t)
	}
	if len(e.trees) == 0 {
		return nil, errors.New("scoring: model has no trees")
	}
	return e, nil
}

type xgbDocument struct {
	Learner struct {
		FeatureNames    []string `json:"feature_names"`
		GradientBooster struct {
			Name  string `json:"name"`
			Model struct {
				Trees []xgbTree `json:"trees"`
			} `json:"model"`
		} `json:"gradient_booster"`
		ModelParam struct {
			BaseScore  string `json:"base_score"`
			NumClass   string `json:"num_class"`
			NumFeature string `json:"num_feature"`
		} `json:"learner_model_param"`
		Objective struct {
			Name string `json:"name"`
		} `json:"objective"`
	} `json:"learner"`
}

type xgbTree struct {
	LeftChildren    []int      `json:"left_children"`
	RightChildren   []int      `json:"right_children"`
	SplitIndices    []int      `json:"split_indices"`
	SplitConditions []float64  `json:"split_conditions"`
	DefaultLeft     []flexBool `json:"default_left"`
}

func (x xgbTree) build() (tree, error) {
	n := len(x.LeftChildren)
	if n == 0 {
		return tree{}, errors.New("empty tree")
	}
	if len(x.RightChildren) != n || len(x.SplitIndices) != n || len(x.SplitConditions) != n {
		return tree{}, errors.New("node arrays differ in length")
	}
	t := tree{
		left:        x.LeftChildren,
		right:       x.RightChildren,
		feature:     x.SplitIndices,
		threshold:   x.SplitConditions,
		defaultLeft: make([]bool, n),
	}
	for i := range x.DefaultLeft {
		if i < n {
			t.defaultLeft[i] = bool(x.DefaultLeft[i])
		}
	}
	for i := 0; i < n; i++ {
		if t.left[i] == -1 {
			continue
		}
		if t.left[i] <= i || t.left[i] >= n || t.right[i] <= i || t.right[i] >= n {
			return tree{}, fmt.Errorf("node %d has invalid children", i)
		}
		if t.feature[i] < 0 {
			return tree{}, fmt.Errorf("node %d has negative split index", i)
		}
	}
	return t, nil
}

// flexBool accepts true/false as well as the 0/1 integers older XGBoost
// releases write for default_left.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// parseXGBNumber reads XGBoost's stringly-typed parameters, which may be a
// bare number ("5E-1") or a bracketed vector ("[5E-1]").
func parseXGBNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return 0, nil
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
