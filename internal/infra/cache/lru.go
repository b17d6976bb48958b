// Package cache — обобщённый LRU-кэш с TTL на каждую запись.
// Ёмкость ограничена: при переполнении вытесняется самый давно не использованный
// элемент. Протухшие записи удаляются лениво при обращении и пакетно через Purge.
// Get/Put выполняются за O(1). Кэш потокобезопасен; в типичном использовании у
// каждого канала свой экземпляр, и писатель один.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry — внутренняя запись кэша: ключ (для обратного удаления из карты),
// значение и срок годности.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRU — кэш с выталкиванием по давности использования и TTL на запись.
// Нулевой ttl означает «без срока годности»; ёмкость меньше 1 приводится к 1.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List               // порядок использования: свежие в голове
	items    map[K]*list.Element      // ключ → узел order
	now      func() time.Time         // источник времени; подменяется в тестах
}

// New создаёт кэш на capacity записей с заданным TTL.
func New[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get возвращает значение по ключу. Протухшая запись удаляется, и Get
// отвечает «не найдено». Успешное чтение освежает позицию записи.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeLocked(el, ent)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Put сохраняет значение по ключу, освежая срок годности. При переполнении
// вытесняется хвост списка (самая давняя запись).
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Time{}
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = expires
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expires})
	c.items[key] = el

	if c.order.Len() > c.capacity {
		tail := c.order.Back()
		if tail != nil {
			c.removeLocked(tail, tail.Value.(*entry[K, V]))
		}
	}
}

// Delete удаляет запись по ключу, если она есть.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el, el.Value.(*entry[K, V]))
	}
}

// Len возвращает число записей, включая ещё не вычищенные протухшие.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge пакетно удаляет все протухшие записи и возвращает их количество.
// Уместно звать по таймеру из владеющего сервиса.
func (c *LRU[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry[K, V])
		if c.expired(ent) {
			c.removeLocked(el, ent)
			removed++
		}
		el = prev
	}
	return removed
}

// expired сообщает, истёк ли срок годности записи. Нулевой expiresAt — вечная запись.
func (c *LRU[K, V]) expired(ent *entry[K, V]) bool {
	return !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt)
}

// removeLocked снимает узел из списка и карты. Вызывается строго под mu.
func (c *LRU[K, V]) removeLocked(el *list.Element, ent *entry[K, V]) {
	c.order.Remove(el)
	delete(c.items, ent.key)
}
