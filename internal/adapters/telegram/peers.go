package telegram

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"spectra/internal/domain/gateway"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucket               = "peers"
	peersDBTimeout            = time.Second
	peersDBMode   os.FileMode = 0o600
)

// peerCache объединяет оперативный peers.Manager и персистентное
// bbolt-хранилище. Access hash переживают перезапуск, поэтому аккаунт не
// обязан перечитывать диалоги при каждом старте.
type peerCache struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	mgr   *peers.Manager
}

func newPeerCache(api *tg.Client, dbPath string) (*peerCache, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "ensure dir %q", dir)
		}
	}

	db, err := bbolt.Open(dbPath, peersDBMode, &bbolt.Options{Timeout: peersDBTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open peers db")
	}

	return &peerCache{
		db:    db,
		store: bboltdb.NewPeerStorage(db, []byte(peersBucket)),
		mgr:   (peers.Options{}).Build(api),
	}, nil
}

func (p *peerCache) close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// loadFromStorage прогружает сохранённые peers из bbolt в оперативный
// менеджер. Вызывается один раз после логина.
func (p *peerCache) loadFromStorage(ctx context.Context) error {
	exists := false
	if err := p.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(peersBucket)) != nil
		return nil
	}); err != nil {
		return errors.Wrap(err, "check peers bucket")
	}
	if !exists {
		return nil
	}

	iter, err := p.store.Iterate(ctx)
	if err != nil {
		return errors.Wrap(err, "iterate stored peers")
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)
	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			chats = append(chats, channel)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "iterate stored peers")
	}

	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return p.mgr.Apply(ctx, users, chats)
}

// apply запоминает сущности, пришедшие в ответах RPC.
func (p *peerCache) apply(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error {
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return p.mgr.Apply(ctx, users, chats)
}

// inputPeer возвращает tg.InputPeerClass для доменной сущности, используя
// access hash из кэша.
func (p *peerCache) inputPeer(ctx context.Context, ent gateway.Entity) (tg.InputPeerClass, error) {
	switch ent.Kind {
	case gateway.KindUser:
		user, err := p.mgr.ResolveUserID(ctx, ent.ID)
		if err != nil {
			return nil, resolveErr(err, "user", ent.ID)
		}
		return user.InputPeer(), nil
	case gateway.KindChat:
		chat, err := p.mgr.ResolveChatID(ctx, ent.ID)
		if err != nil {
			return nil, resolveErr(err, "chat", ent.ID)
		}
		return chat.InputPeer(), nil
	case gateway.KindChannel:
		channel, err := p.mgr.ResolveChannelID(ctx, ent.ID)
		if err != nil {
			return nil, resolveErr(err, "channel", ent.ID)
		}
		return channel.InputPeer(), nil
	default:
		return nil, errors.Errorf("unsupported entity kind %q", ent.Kind)
	}
}

// inputChannel возвращает tg.InputChannel для форумных и канальных RPC,
// принимающих именно канал, а не произвольный peer.
func (p *peerCache) inputChannel(ctx context.Context, id int64) (*tg.InputChannel, error) {
	channel, err := p.mgr.ResolveChannelID(ctx, id)
	if err != nil {
		return nil, resolveErr(err, "channel", id)
	}
	ip, ok := channel.InputPeer().(*tg.InputPeerChannel)
	if !ok {
		return nil, errors.Errorf("peer %d is not a channel", id)
	}
	return &tg.InputChannel{ChannelID: ip.ChannelID, AccessHash: ip.AccessHash}, nil
}

// resolveErr переводит отсутствие пира в доменную ошибку разрешения.
func resolveErr(err error, kind string, id int64) error {
	var nf *peers.PeerNotFoundError
	if errors.As(err, &nf) {
		return &classed{class: gateway.ErrEntityResolveFailed, cause: errors.Errorf("%s %d not in peer cache", kind, id)}
	}
	return errors.Wrapf(err, "resolve %s %d", kind, id)
}
