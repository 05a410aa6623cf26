package risk

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Analyzer подсвечивает рискованные заявки в очереди ревью.
// Пороги задаются конфигурацией (поле payload -> граница); превышение
// не блокирует маршрутизацию, а лишь формирует risk_note для оператора.
type Analyzer struct {
	fields map[string]float64
	logger *zap.Logger
}

func NewAnalyzer(fields map[string]float64, logger *zap.Logger) *Analyzer {
	return &Analyzer{fields: fields, logger: logger.Named("risk")}
}

// Note оценивает payload заявки и возвращает аннотацию для оператора.
// Пустая строка — нарушений не найдено.
func (a *Analyzer) Note(payload []byte) string {
	if len(a.fields) == 0 || len(payload) == 0 {
		return ""
	}

	// Универсальный разбор: payload приходит от любого агента
	var requestData map[string]interface{}
	if err := json.Unmarshal(payload, &requestData); err != nil {
		// Непарсящийся payload сам по себе повод присмотреться
		return "payload is not a JSON object"
	}

	var notes []string
	for field, threshold := range a.fields {
		rawValue, ok := requestData[field]
		if !ok {
			continue
		}

		// encoding/json отдает любое число как float64
		val, ok := rawValue.(float64)
		if !ok {
			continue
		}

		if val > threshold {
			a.logger.Warn("risk threshold exceeded",
				zap.String("field", field),
				zap.Float64("value", val),
				zap.Float64("threshold", threshold),
			)
			notes = append(notes, fmt.Sprintf("%s=%v exceeds threshold %v", field, val, threshold))
		}
	}

	// Детерминированный порядок: мапа обходится как попало
	sort.Strings(notes)
	return strings.Join(notes, "; ")
}
