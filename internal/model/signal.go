package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Action 定义了信号方向
type Action string

const (
	ActionBuy  Action = "BUY"  // 买入 (做多开仓)
	ActionSell Action = "SELL" // 卖出 (平掉多头)
	ActionHold Action = "HOLD" // 观望
)

func (a Action) String() string {
	return string(a)
}

// ErrInvalidConfidence 置信度不在 [0,100] 区间
var ErrInvalidConfidence = errors.New("confidence must be between 0 and 100")

// Signal 是信号源给出的方向性判断，创建后不可修改
type Signal struct {
	action     Action
	confidence float64
	rationale  string
}

// NewSignal 构造信号，置信度必须在 [0,100] 之内
func NewSignal(action Action, confidence float64, rationale string) (Signal, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 100 {
		return Signal{}, fmt.Errorf("%w: got %v", ErrInvalidConfidence, confidence)
	}

	switch action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return Signal{}, fmt.Errorf("unknown signal action: %q", action)
	}

	return Signal{action: action, confidence: confidence, rationale: rationale}, nil
}

// HoldSignal 返回一个 HOLD 信号
func HoldSignal(confidence float64, rationale string) Signal {
	return Signal{action: ActionHold, confidence: math.Max(0, math.Min(100, confidence)), rationale: rationale}
}

func (s Signal) Action() Action      { return s.action }
func (s Signal) Confidence() float64 { return s.confidence }
func (s Signal) Rationale() string   { return s.rationale }

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s] confidence=%.2f | %s", s.action, s.confidence, s.rationale)
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action     Action  `json:"action"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}{s.action, s.confidence, s.rationale})
}
