package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// splitArgs режет строку команды на токены по пробелам. Одинарные и двойные
// кавычки группируют слова в один токен и в результат не попадают:
// `add nightly "0 3 * * *"` даёт три токена. Незакрытая кавычка тянется до
// конца строки.
func splitArgs(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quote  rune
		quoted bool // токен открыт кавычками; пустые кавычки дают пустой токен
	)
	flush := func() {
		if quoted || cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			quoted = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			quoted = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// parseOpts отделяет опции key=value от позиционных аргументов. Опцией
// считается токен с '=', у которого слева непустое имя из строчных букв,
// цифр, дефиса и подчёркивания; всё остальное — позиционный аргумент.
func parseOpts(args []string) ([]string, map[string]string) {
	pos := make([]string, 0, len(args))
	opts := map[string]string{}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && validOptKey(k) {
			opts[k] = v
			continue
		}
		pos = append(pos, a)
	}
	return pos, opts
}

func validOptKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// intOpt читает целочисленную опцию; отсутствующий ключ даёт def.
func intOpt(opts map[string]string, key string, def int) (int, error) {
	raw, ok := opts[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("option %s: %q is not an integer", key, raw)
	}
	return n, nil
}

func int64Opt(opts map[string]string, key string, def int64) (int64, error) {
	raw, ok := opts[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Errorf("option %s: %q is not an integer", key, raw)
	}
	return n, nil
}

func boolOpt(opts map[string]string, key string, def bool) (bool, error) {
	raw, ok := opts[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Errorf("option %s: %q is not a boolean", key, raw)
	}
	return v, nil
}

// durationOpt читает опцию-длительность в нотации time.ParseDuration ("72h").
func durationOpt(opts map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := opts[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Errorf("option %s: %q is not a duration", key, raw)
	}
	return d, nil
}
