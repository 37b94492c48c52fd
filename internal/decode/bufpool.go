package decode

import "sync"

// bufPools maps (width, height) -> *sync.Pool of packed-RGB []byte
// buffers. In practice only 1-2 distinct tile dimensions exist per
// slide (the nominal tile_size, plus smaller edge tiles), so the map
// stays tiny; sync.Map avoids a mutex on the decode hot path.
//
// Adapted from the teacher's internal/tile.GetRGBA/PutRGBA pool, which
// pooled *image.RGBA by dimensions for the pyramid builder's render
// loop; here the pooled unit is the packed []byte decode.JPEG already
// produces, since C3's cache only ever touches RGB bytes, never
// image.RGBA.
var bufPools sync.Map

type bufPoolKey struct{ w, h int }

func getBuf(w, h int) []byte {
	key := bufPoolKey{w, h}
	if p, ok := bufPools.Load(key); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			return v.([]byte)
		}
	}
	return make([]byte, w*h*3)
}

func putBuf(buf []byte, w, h int) {
	if buf == nil || len(buf) != w*h*3 {
		return
	}
	key := bufPoolKey{w, h}
	p, _ := bufPools.LoadOrStore(key, &sync.Pool{})
	p.(*sync.Pool).Put(buf)
}

// PutBuf returns a decoded tile's backing buffer to the pool for reuse
// by a future JPEG call at the same dimensions. The caller must
// guarantee no other reference to tile.RGB remains live; C3 calls this
// only from its LRU eviction path, which already requires refcount==0
// before an entry is evictable (§4.3).
func PutBuf(tile Tile) {
	putBuf(tile.RGB, tile.Width, tile.Height)
}
