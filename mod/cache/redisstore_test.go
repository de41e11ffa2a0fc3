package cache

import "testing"

func TestRedisStoreKeys(t *testing.T) {
	rs := &RedisStore{prefix: "cdnswitch:minify:"}

	if got := rs.dataKey("abc.br"); got != "cdnswitch:minify:abc.br:data" {
		t.Errorf("dataKey() = %q", got)
	}
	if got := rs.metaKey("abc.br"); got != "cdnswitch:minify:abc.br:meta" {
		t.Errorf("metaKey() = %q", got)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	// port 1 is never a Redis server
	_, err := NewRedisStore(RedisStoreConfig{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected a connection error")
	}
}
