// Package flash defines the interface of the raw NAND device that the FTL
// drives, together with the addressing types shared by all FTL subsystems.
package flash

import (
	"fmt"

	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/sectors"
)

// Geometry describes the bank and block layout of a device.
type Geometry struct {
	NumBanks      int `mapstructure:"num_banks"`
	BlocksPerBank int `mapstructure:"blocks_per_bank"`
	PagesPerBlock int `mapstructure:"pages_per_block"`
}

// PagesPerBank returns the number of virtual pages in one bank.
func (g Geometry) PagesPerBank() int {
	return g.BlocksPerBank * g.PagesPerBlock
}

// TotalPages returns the number of virtual pages in the device.
func (g Geometry) TotalPages() int {
	return g.NumBanks * g.PagesPerBank()
}

// Validate checks if the geometry can be served.
func (g Geometry) Validate() error {
	if g.NumBanks < 1 || g.NumBanks > bankset.MaxBanks {
		return fmt.Errorf("number of banks must be in [1, %d], got %d",
			bankset.MaxBanks, g.NumBanks)
	}

	if g.BlocksPerBank < 2 {
		return fmt.Errorf("a bank needs at least 2 blocks, got %d",
			g.BlocksPerBank)
	}

	if g.PagesPerBlock < 1 {
		return fmt.Errorf("a block needs at least 1 page, got %d",
			g.PagesPerBlock)
	}

	if g.PagesPerBank() > maxVPN {
		return fmt.Errorf("too many pages per bank: %d", g.PagesPerBank())
	}

	return nil
}

const (
	vpnBits = 24
	maxVPN  = 1 << vpnBits
)

// A VPA is a virtual page address, a page of a bank. The zero VPA means that
// the data has never been written, as block 0 of every bank is reserved.
type VPA struct {
	Bank int
	VPN  uint32
}

// IsZero tells if the address is the "never written" sentinel.
func (a VPA) IsZero() bool {
	return a.VPN == 0
}

// Pack encodes the address into 32 bits for storage in mapping-table pages.
func (a VPA) Pack() uint32 {
	return uint32(a.Bank)<<vpnBits | a.VPN
}

// UnpackVPA decodes an address encoded with Pack.
func UnpackVPA(v uint32) VPA {
	return VPA{
		Bank: int(v >> vpnBits),
		VPN:  v & (maxVPN - 1),
	}
}

func (a VPA) String() string {
	return fmt.Sprintf("%d:%d", a.Bank, a.VPN)
}

// Mode tells if a command returns after issue or after completion.
type Mode int

// Command modes
const (
	Async Mode = iota
	Sync
)

// A Device is a multi-bank NAND flash. Commands on different banks proceed
// concurrently. Issuing an Async command on a busy bank is a contract
// violation; Sync commands wait for the bank first.
type Device interface {
	Geometry() Geometry

	// ReadPage reads count sectors starting at sector offset of the page
	// into the same sectors of dst, which holds a page image.
	ReadPage(bank int, vpn uint32, offset, count int, dst []byte, mode Mode)

	// WritePage programs count sectors starting at sector offset from the
	// same sectors of src.
	WritePage(bank int, vpn uint32, offset, count int, src []byte, mode Mode)

	// EraseBlock erases a block of a bank.
	EraseBlock(bank int, block uint32, mode Mode)

	// IdleBanks probes the status of every bank. Each probe is one polling
	// interval of the bank status registers.
	IdleBanks() bankset.Set

	// IsBankIdle tells if a bank can accept a command.
	IsBankIdle(bank int) bool

	// BankJustCompleted tells if a bank finished a command since the last
	// time this was asked.
	BankJustCompleted(bank int) bool

	// IsBadBlock tells if a block cannot be used.
	IsBadBlock(bank int, block uint32) bool
}

// WaitBank polls the device until the bank is idle.
func WaitBank(d Device, bank int) {
	for !d.IsBankIdle(bank) {
		d.IdleBanks()
	}
}

// WaitBanks polls the device until every bank in the set is idle.
func WaitBanks(d Device, banks bankset.Set) {
	for {
		idle := d.IdleBanks()
		if idle&banks == banks {
			return
		}
	}
}

// A PageCmd names a page and the page buffer of one parallel command.
type PageCmd struct {
	VPA    VPA
	Offset int
	Count  int
	Buf    []byte
}

// ReadPagesInParallel issues one read per command, at most one per bank, and
// waits until all of them complete.
func ReadPagesInParallel(d Device, cmds []PageCmd) {
	runInParallel(d, cmds, func(c PageCmd) {
		d.ReadPage(c.VPA.Bank, c.VPA.VPN, c.Offset, c.Count, c.Buf, Async)
	})
}

// WritePagesInParallel issues one write per command, at most one per bank,
// and waits until all of them complete.
func WritePagesInParallel(d Device, cmds []PageCmd) {
	runInParallel(d, cmds, func(c PageCmd) {
		d.WritePage(c.VPA.Bank, c.VPA.VPN, c.Offset, c.Count, c.Buf, Async)
	})
}

func runInParallel(d Device, cmds []PageCmd, issue func(c PageCmd)) {
	var banks bankset.Set

	for _, c := range cmds {
		if banks.Has(c.VPA.Bank) {
			panic(fmt.Sprintf("two parallel commands on bank %d", c.VPA.Bank))
		}

		banks.Add(c.VPA.Bank)
		WaitBank(d, c.VPA.Bank)
		issue(c)
	}

	WaitBanks(d, banks)
}

// ReadSubPage reads the sectors of sub-page sp into the same sub-page of dst.
func ReadSubPage(d Device, vpa VPA, sp int, dst []byte, mode Mode) {
	d.ReadPage(vpa.Bank, vpa.VPN,
		sp*sectors.SectorsPerSubPage, sectors.SectorsPerSubPage, dst, mode)
}
