package policy

import "github.com/xela07ax/a2a-coord/internal/domain"

// Enforcer - авторизация маршрута. Вызывается на hot path перед каждой
// попыткой доставки, поэтому реализация обязана отвечать из памяти.
type Enforcer interface {
	// Authorize решает, имеет ли отправитель право слать получателю.
	Authorize(from, to string) domain.Verdict
}
