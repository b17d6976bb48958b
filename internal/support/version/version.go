// Package version — идентификация сборки. Значения переопределяются линкером
// через -ldflags "-X spectra/internal/support/version.Version=...".
package version

var (
	// Name — имя бинаря, показывается в CLI и логах.
	Name = "spectra"
	// Version — версия сборки; по умолчанию dev.
	Version = "0.9.0-dev"
	// Commit — короткий хеш коммита, заполняется при релизной сборке.
	Commit = ""
)

// Full возвращает строку вида "spectra v0.9.0 (abc1234)" для логов и команды version.
func Full() string {
	s := Name + " v" + Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	return s
}
