// Package concurrency — примитивы конкурентного исполнения: дебаунсер
// повторяющихся событий и таймер принудительного завершения процесса.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Debouncer откладывает действие по ключу до затишья: серия Do по одному
// ключу схлопывается в один запуск последней функции спустя timeout после
// последнего вызова. Так шквал однотипных событий (завершения заданий
// планировщика) не превращается в шквал записей на диск. Потокобезопасен.
type Debouncer[K comparable] struct {
	timeout time.Duration

	mu      sync.Mutex
	waiting map[K]task
	ctx     context.Context
	cancel  context.CancelFunc
}

// task — отложенный запуск: таймер окна и функция по его истечении.
type task struct {
	timer *time.Timer
	run   func()
}

// NewDebouncer создаёт дебаунсер с окном timeout. До Start вызовы Do
// исполняются немедленно, без отложки.
func NewDebouncer[K comparable](timeout time.Duration) *Debouncer[K] {
	return &Debouncer[K]{
		timeout: timeout,
		waiting: make(map[K]task),
	}
}

// Start включает отложенное исполнение до отмены ctx либо вызова Stop.
// Повторный Start при живом предыдущем игнорируется.
func (d *Debouncer[K]) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop выключает отложенное исполнение и синхронно исполняет всё
// накопленное. После возврата активных таймеров не остаётся.
func (d *Debouncer[K]) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.ctx, d.cancel = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.flush()
}

// Do планирует запуск fn спустя timeout после последнего вызова по этому
// ключу; более ранняя функция ключа при этом забывается. Вне окна жизни
// (до Start, после Stop, при отменённом контексте) fn исполняется сразу.
func (d *Debouncer[K]) Do(key K, fn func()) {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		fn()
		return
	}
	if prev, ok := d.waiting[key]; ok {
		prev.timer.Stop()
	}
	d.waiting[key] = task{
		timer: time.AfterFunc(d.timeout, func() { d.fire(key) }),
		run:   fn,
	}
	d.mu.Unlock()
}

// fire исполняет функцию ключа, если её ещё не забрал flush или не
// заменил более поздний Do.
func (d *Debouncer[K]) fire(key K) {
	d.mu.Lock()
	t, ok := d.waiting[key]
	if ok {
		delete(d.waiting, key)
	}
	d.mu.Unlock()

	if ok {
		t.run()
	}
}

// flush снимает все отложенные запуски и исполняет их вне мьютекса.
func (d *Debouncer[K]) flush() {
	d.mu.Lock()
	tasks := make([]task, 0, len(d.waiting))
	for key, t := range d.waiting {
		t.timer.Stop()
		tasks = append(tasks, t)
		delete(d.waiting, key)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.run()
	}
}
