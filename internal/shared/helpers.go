// Package shared — обобщённые помощники для слайсов, используемые разбором
// конфигурации и консольных команд. Без паник и внешних зависимостей.
package shared

// Unique отбрасывает повторы, сохраняя порядок первых вхождений.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GetAt возвращает s[i] либо нулевое значение и false, когда индекса нет.
// Хвост аргументов консольной команды часто отсутствует, проверка длины у
// каждого обращения загромождала бы обработчики.
func GetAt[T any](s []T, i int) (T, bool) {
	if i < 0 || i >= len(s) {
		var zero T
		return zero, false
	}
	return s[i], true
}
