package grouping

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Parsed — разбор имени файла: основа, номер части многотомника и
// расширение. Part == 0 означает «не многотомник».
type Parsed struct {
	Base string
	Part int
	Ext  string
}

// Составные расширения, которые срезаются целиком: иначе "a.tar.gz"
// превратилось бы в основу "a.tar".
var multiExts = []string{".tar.gz", ".tar.bz2", ".tar.xz"}

// Токены частей в порядке приоритета: ".partN" и "_partN" раньше голых
// ".N" и "_N", иначе "x_part2" разобрался бы как основа "x_part".
var partTokens = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(.+)\.part(\d+)$`),
	regexp.MustCompile(`(?i)^(.+)_part(\d+)$`),
	regexp.MustCompile(`^(.+) \((\d+)\)$`),
	regexp.MustCompile(`^(.+)_(\d+)$`),
	regexp.MustCompile(`^(.+)\.(\d+)$`),
}

// ParseFilename разбирает имя файла на основу, часть и расширение.
// Имя, целиком состоящее из токена части ("_part1.rar"), частью не
// считается: его основа — сам остов имени.
func ParseFilename(name string) Parsed {
	stem, ext := splitExt(name)
	for _, re := range partTokens {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		part, err := strconv.Atoi(m[2])
		if err != nil || part <= 0 {
			continue
		}
		return Parsed{Base: m[1], Part: part, Ext: ext}
	}
	return Parsed{Base: stem, Ext: ext}
}

func splitExt(name string) (string, string) {
	lower := strings.ToLower(name)
	for _, me := range multiExts {
		if strings.HasSuffix(lower, me) && len(name) > len(me) {
			return name[:len(name)-len(me)], name[len(name)-len(me):]
		}
	}
	ext := filepath.Ext(name)
	if ext == name {
		// скрытые файлы вида ".env" — расширения нет
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}
