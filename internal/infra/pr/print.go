// Package pr печатает в консоль поверх readline. После Init вывод идёт
// через буферы readline, и строки не рвут приглашение ввода; до Init
// функции пишут в обычные os.Stdout/os.Stderr, поэтому пакетом можно
// пользоваться и в неинтерактивных запусках.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

// console — состояние пакета: активный readline, отменяемый stdin и
// целевые потоки. Мьютекс защищает ссылки; сами записи сериализует
// readline.
type console struct {
	mu     sync.Mutex
	rl     *readline.Instance
	stdin  io.Closer
	out    io.Writer
	errOut io.Writer
}

var con = console{out: os.Stdout, errOut: os.Stderr}

// Init поднимает readline с отменяемым stdin и переводит вывод пакета на
// его буферы. Закрытие stdin через InterruptReadline отдаёт io.EOF
// читающей стороне, так выглядит остановка консоли при shutdown.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	rl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}

	con.mu.Lock()
	con.rl = rl
	con.stdin = cs
	con.out = rl.Stdout()
	con.errOut = rl.Stderr()
	con.mu.Unlock()
	return nil
}

// InterruptReadline прерывает ожидание ввода, закрывая отменяемый stdin.
// Повторные вызовы безопасны.
func InterruptReadline() {
	con.mu.Lock()
	stdin := con.stdin
	con.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
}

// SetPrompt меняет приглашение ввода. До Init — no-op.
func SetPrompt(prompt string) {
	con.mu.Lock()
	rl := con.rl
	con.mu.Unlock()

	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl отдаёт активный инстанс readline; nil до Init.
func Rl() *readline.Instance {
	con.mu.Lock()
	defer con.mu.Unlock()
	return con.rl
}

// Stdout возвращает текущий поток стандартного вывода.
func Stdout() io.Writer {
	con.mu.Lock()
	defer con.mu.Unlock()
	return con.out
}

// Stderr возвращает текущий поток диагностики.
func Stderr() io.Writer {
	con.mu.Lock()
	defer con.mu.Unlock()
	return con.errOut
}

// Println печатает значения в Stdout с переводом строки.
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf печатает форматированную строку в Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrintln печатает значения в Stderr с переводом строки.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// Pf возвращает многострочный дамп значения. Удобен внутри отладочных
// логов, где структуру иначе пришлось бы разбирать по полям.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
