package ftl

import (
	"encoding/binary"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/bcache"
	"github.com/sarchlab/ftl/cmt"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/sectors"
)

const (
	bytesPerMapping = 4
	mappingsPerPage = sectors.BytesPerPage / bytesPerMapping
)

// numMetaPages returns how many mapping-table pages cover numLPNs pages.
func numMetaPages(numLPNs int) int {
	lspns := numLPNs * sectors.SubPagesPerPage
	return (lspns + mappingsPerPage - 1) / mappingsPerPage
}

// mappingAddr returns the mapping-table page that holds the translation of
// an LSPN and the byte offset of the translation in that page.
func mappingAddr(lspn uint32) (idx uint32, off int) {
	return lspn / mappingsPerPage, int(lspn%mappingsPerPage) * bytesPerMapping
}

// translator resolves logical sub-pages to flash pages. The translation
// cache sits in front of the mapping-table pages, which are cached in the
// buffer cache and located on flash through the global translation
// directory.
//
// The translator is the backer of the buffer cache. Mapping-table pages are
// located through the directory. Cached user pages are never dirty, so they
// are never relocated.
type translator struct {
	cmt     *cmt.Cache
	bc      *bcache.Cache
	device  flash.Device
	gtd     []byte
	scratch []byte
	log     logrus.FieldLogger
}

func newTranslator(
	c *cmt.Cache,
	bc *bcache.Cache,
	device flash.Device,
	gtd dram.Region,
	scratch dram.Region,
	logger logrus.FieldLogger,
) *translator {
	tr := &translator{
		cmt:     c,
		bc:      bc,
		device:  device,
		gtd:     gtd.Bytes,
		scratch: scratch.Slot(0, sectors.BytesPerPage),
		log:     logger,
	}

	bc.SetBacker(tr)

	return tr
}

func (tr *translator) directory(idx uint32) flash.VPA {
	return flash.UnpackVPA(
		binary.LittleEndian.Uint32(tr.gtd[idx*bytesPerMapping:]))
}

func (tr *translator) setDirectory(idx uint32, vpa flash.VPA) {
	binary.LittleEndian.PutUint32(tr.gtd[idx*bytesPerMapping:], vpa.Pack())
}

// lookup returns the flash page that holds an LSPN, loading the translation
// into the cache on a miss. The zero VPA means the sub-page was never
// written.
func (tr *translator) lookup(lspn uint32) (flash.VPA, error) {
	if vpa, ok := tr.cmt.Get(lspn); ok {
		return vpa, nil
	}

	err := tr.makeRoom(tr.cmt.BankOf(lspn))
	if err != nil {
		return flash.VPA{}, err
	}

	vpa, err := tr.readMapping(lspn)
	if err != nil {
		return flash.VPA{}, err
	}

	err = tr.cmt.Add(lspn, vpa)
	if err != nil {
		return flash.VPA{}, err
	}

	return vpa, nil
}

// update points an LSPN at a new flash page.
func (tr *translator) update(lspn uint32, vpa flash.VPA) error {
	if _, ok := tr.cmt.Peek(lspn); !ok {
		if _, err := tr.lookup(lspn); err != nil {
			return err
		}
	}

	return tr.cmt.Update(lspn, vpa)
}

// makeRoom evicts translations until the bank's probationary segment has
// room. Dirty victims are written into their mapping-table page.
func (tr *translator) makeRoom(bank int) error {
	for tr.cmt.IsFull(bank) {
		v, ok := tr.cmt.Evict(bank)
		if !ok {
			return ftlerr.Exhaustedf(
				"no unfixed translation to evict in bank %d", bank)
		}

		if !v.Dirty {
			continue
		}

		err := tr.writeMapping(v.Key, v.VPA)
		if err != nil {
			return err
		}
	}

	return nil
}

// metaPage returns the cached mapping-table page, reserving a slot on a
// miss. The caller fills the sectors it needs.
func (tr *translator) metaPage(idx uint32) ([]byte, error) {
	key := bcache.MetaKey(idx)

	if buf, ok := tr.bc.Get(key); ok {
		return buf, nil
	}

	for tr.bc.IsFull(key) {
		n, err := tr.bc.Evict()
		if err != nil {
			return nil, err
		}

		if n == 0 {
			return nil, ftlerr.Exhaustedf("buffer cache has no victim for %s",
				key)
		}
	}

	return tr.bc.Put(key), nil
}

func (tr *translator) readMapping(lspn uint32) (flash.VPA, error) {
	idx, off := mappingAddr(lspn)

	buf, err := tr.metaPage(idx)
	if err != nil {
		return flash.VPA{}, err
	}

	tr.bc.Fill(bcache.MetaKey(idx), off/sectors.BytesPerSector, 1)

	return flash.UnpackVPA(binary.LittleEndian.Uint32(buf[off:])), nil
}

func (tr *translator) writeMapping(lspn uint32, vpa flash.VPA) error {
	idx, off := mappingAddr(lspn)
	key := bcache.MetaKey(idx)

	buf, err := tr.metaPage(idx)
	if err != nil {
		return err
	}

	tr.bc.Fill(key, off/sectors.BytesPerSector, 1)
	binary.LittleEndian.PutUint32(buf[off:], vpa.Pack())
	tr.bc.SetDirty(key)

	tr.log.WithFields(logrus.Fields{
		"lspn": lspn,
		"vpa":  vpa.String(),
		"page": idx,
	}).Debug("translation written back")

	return nil
}

// Locate returns where sub-page sp of a cached page lives on flash. It never
// adds pages to the buffer cache.
func (tr *translator) Locate(key bcache.Key, sp int) flash.VPA {
	if key.IsMeta() {
		return tr.directory(key.Index())
	}

	lspn := key.Index()*sectors.SubPagesPerPage + uint32(sp)
	if vpa, ok := tr.cmt.Peek(lspn); ok {
		return vpa
	}

	idx, off := mappingAddr(lspn)
	sector := off / sectors.BytesPerSector
	metaKey := bcache.MetaKey(idx)

	if buf, ok := tr.bc.Peek(metaKey); ok {
		valid, _ := tr.bc.ValidSectors(metaKey)
		if valid.Has(sector) {
			return flash.UnpackVPA(binary.LittleEndian.Uint32(buf[off:]))
		}
	}

	loc := tr.directory(idx)
	if loc.IsZero() {
		return flash.VPA{}
	}

	tr.device.ReadPage(loc.Bank, loc.VPN, sector, 1, tr.scratch, flash.Sync)

	return flash.UnpackVPA(binary.LittleEndian.Uint32(tr.scratch[off:]))
}

// Relocate records where a written-back mapping-table page now lives.
func (tr *translator) Relocate(key bcache.Key, vpa flash.VPA) {
	if !key.IsMeta() {
		log.Panicf("ftl: user page %s written back; user pages are clean", key)
	}

	tr.setDirectory(key.Index(), vpa)
}
