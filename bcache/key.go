package bcache

import "fmt"

// A Key names a cached page. User data pages and mapping-table pages share
// one key space; the top bit marks mapping-table pages.
type Key uint32

const metaTag Key = 1 << 31

// UserKey returns the key of a user data page.
func UserKey(lpn uint32) Key {
	if Key(lpn)&metaTag != 0 {
		panic(fmt.Sprintf("bcache: lpn %d collides with the metadata tag", lpn))
	}

	return Key(lpn)
}

// MetaKey returns the key of a mapping-table page.
func MetaKey(index uint32) Key {
	return Key(index) | metaTag
}

// IsMeta tells if the key names a mapping-table page.
func (k Key) IsMeta() bool {
	return k&metaTag != 0
}

// Index returns the LPN of a user key or the table index of a metadata key.
func (k Key) Index() uint32 {
	return uint32(k &^ metaTag)
}

func (k Key) String() string {
	if k.IsMeta() {
		return fmt.Sprintf("meta:%d", k.Index())
	}

	return fmt.Sprintf("lpn:%d", k.Index())
}
