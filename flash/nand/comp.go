// Package nand provides a simulated multi-bank NAND flash device.
package nand

import (
	"fmt"

	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sirupsen/logrus"
)

type blockAddr struct {
	bank  int
	block uint32
}

type bank struct {
	busyUntil     uint64
	pending       bool
	justCompleted bool
}

// Stats counts the commands a device has served.
type Stats struct {
	Reads          uint64
	Writes         uint64
	Erases         uint64
	SectorsRead    uint64
	SectorsWritten uint64
}

// Comp is a simulated NAND device. Time advances by one polling interval
// each time the bank status is probed through IdleBanks. The data of a
// command is transferred when the command is issued; the bank then stays
// busy for the latency of the command.
type Comp struct {
	hooking.HookableBase

	name     string
	log      logrus.FieldLogger
	geometry flash.Geometry
	storage  *Storage

	readLatency    uint64
	programLatency uint64
	eraseLatency   uint64

	now       uint64
	banks     []bank
	badBlocks map[blockAddr]bool
	stats     Stats
}

// Name returns the name of the device.
func (c *Comp) Name() string {
	return c.name
}

// Geometry returns the bank and block layout.
func (c *Comp) Geometry() flash.Geometry {
	return c.geometry
}

// Now returns the number of polling intervals that have passed.
func (c *Comp) Now() float64 {
	return float64(c.now)
}

// Stats returns the command counters.
func (c *Comp) Stats() Stats {
	return c.stats
}

// Storage returns the page store behind the device.
func (c *Comp) Storage() *Storage {
	return c.storage
}

// ReadPage reads sectors of a page into dst.
func (c *Comp) ReadPage(
	bankID int,
	vpn uint32,
	offset, count int,
	dst []byte,
	mode flash.Mode,
) {
	mask := sectors.Range(offset, count)
	page := c.pageIndex(bankID, vpn)

	c.issue(bankID, mode, c.readLatency, hooking.FlashCmd{
		Kind: "read", Bank: bankID, VPN: vpn, Offset: offset, Count: count,
	})

	c.storage.Read(page, mask, dst)
	c.stats.Reads++
	c.stats.SectorsRead += uint64(count)

	c.finish(bankID, mode)
}

// WritePage programs sectors of a page from src.
func (c *Comp) WritePage(
	bankID int,
	vpn uint32,
	offset, count int,
	src []byte,
	mode flash.Mode,
) {
	mask := sectors.Range(offset, count)
	page := c.pageIndex(bankID, vpn)

	block := vpn / uint32(c.geometry.PagesPerBlock)
	if c.badBlocks[blockAddr{bankID, block}] {
		c.log.WithFields(logrus.Fields{"bank": bankID, "block": block}).
			Warn("programming a bad block")
	}

	c.issue(bankID, mode, c.programLatency, hooking.FlashCmd{
		Kind: "write", Bank: bankID, VPN: vpn, Offset: offset, Count: count,
	})

	c.storage.Program(page, mask, src)
	c.stats.Writes++
	c.stats.SectorsWritten += uint64(count)

	c.finish(bankID, mode)
}

// EraseBlock erases every page of a block.
func (c *Comp) EraseBlock(bankID int, block uint32, mode flash.Mode) {
	if int(block) >= c.geometry.BlocksPerBank {
		panic(fmt.Sprintf("block %d out of bank", block))
	}

	first := c.pageIndex(bankID, block*uint32(c.geometry.PagesPerBlock))

	c.issue(bankID, mode, c.eraseLatency, hooking.FlashCmd{
		Kind: "erase", Bank: bankID, VPN: block * uint32(c.geometry.PagesPerBlock),
	})

	c.storage.Erase(first, uint64(c.geometry.PagesPerBlock))
	c.stats.Erases++

	c.finish(bankID, mode)
}

// IdleBanks advances time by one polling interval and returns the banks that
// can accept a command.
func (c *Comp) IdleBanks() bankset.Set {
	c.now++

	var idle bankset.Set
	for i := range c.banks {
		if c.IsBankIdle(i) {
			idle.Add(i)
		}
	}

	return idle
}

// IsBankIdle tells if a bank has finished its last command.
func (c *Comp) IsBankIdle(bankID int) bool {
	c.mustBeValidBank(bankID)

	b := &c.banks[bankID]
	if b.busyUntil > c.now {
		return false
	}

	if b.pending {
		b.pending = false
		b.justCompleted = true
	}

	return true
}

// BankJustCompleted tells if the bank finished a command since the last time
// this was asked.
func (c *Comp) BankJustCompleted(bankID int) bool {
	if !c.IsBankIdle(bankID) {
		return false
	}

	b := &c.banks[bankID]
	completed := b.justCompleted
	b.justCompleted = false

	return completed
}

// IsBadBlock tells if a block is marked bad.
func (c *Comp) IsBadBlock(bankID int, block uint32) bool {
	return c.badBlocks[blockAddr{bankID, block}]
}

func (c *Comp) pageIndex(bankID int, vpn uint32) uint64 {
	c.mustBeValidBank(bankID)

	if int(vpn) >= c.geometry.PagesPerBank() {
		panic(fmt.Sprintf("vpn %d out of bank %d", vpn, bankID))
	}

	return uint64(bankID)*uint64(c.geometry.PagesPerBank()) + uint64(vpn)
}

func (c *Comp) mustBeValidBank(bankID int) {
	if bankID < 0 || bankID >= len(c.banks) {
		panic(fmt.Sprintf("bank %d out of device", bankID))
	}
}

func (c *Comp) issue(
	bankID int,
	mode flash.Mode,
	latency uint64,
	cmd hooking.FlashCmd,
) {
	if mode == flash.Sync {
		flash.WaitBank(c, bankID)
	} else if !c.IsBankIdle(bankID) {
		panic(fmt.Sprintf("async command issued to busy bank %d", bankID))
	}

	b := &c.banks[bankID]
	b.busyUntil = c.now + latency
	b.pending = true
	b.justCompleted = false

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    hooking.HookPosFlashCmd,
		Item:   cmd,
	})
}

func (c *Comp) finish(bankID int, mode flash.Mode) {
	if mode == flash.Sync {
		flash.WaitBank(c, bankID)
	}
}
