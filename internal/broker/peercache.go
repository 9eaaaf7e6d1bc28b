// Кеш разрешённых сущностей поверх bbolt. Разрешение @username стоит
// дорогого RPC и собственного флуд-лимита платформы, поэтому дескрипторы
// переживают рестарт процесса. Записи стареют: access_hash со временем
// протухает, просроченный дескриптор перерешается заново.
package broker

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"
)

var peersBucket = []byte("peers")

// peerCacheTTL — срок годности закешированного дескриптора.
const peerCacheTTL = 24 * time.Hour

// cachedEntity — дескриптор с моментом записи.
type cachedEntity struct {
	Entity   Entity    `json:"entity"`
	CachedAt time.Time `json:"cached_at"`
}

// PeerCache — персистентный кеш handle → Entity.
type PeerCache struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenPeerCache открывает (или создаёт) файл кеша.
func OpenPeerCache(path string) (*PeerCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open peer cache")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(peersBucket)
		return createErr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init peer cache")
	}
	return &PeerCache{db: db, now: time.Now}, nil
}

// Close закрывает файл кеша.
func (c *PeerCache) Close() error {
	return c.db.Close()
}

// Get возвращает дескриптор по каноническому handle; ok=false, если записи
// нет или она просрочена.
func (c *PeerCache) Get(handle string) (Entity, bool) {
	var entry cachedEntity
	found := false

	_ = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(peersBucket).Get([]byte(handle))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})

	if !found || c.now().Sub(entry.CachedAt) > peerCacheTTL {
		return Entity{}, false
	}
	return entry.Entity, true
}

// Put сохраняет дескриптор под каноническим handle.
func (c *PeerCache) Put(handle string, e Entity) error {
	raw, err := json.Marshal(cachedEntity{Entity: e, CachedAt: c.now()})
	if err != nil {
		return errors.Wrap(err, "encode peer")
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(handle), raw)
	})
	return errors.Wrap(err, "put peer")
}
