package sim

import (
	"encoding/binary"

	"github.com/backkem/qlib/pkg/counter"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
)

// spiOnly lists the commands the device only accepts outside QPI mode.
var spiOnly = map[protocol.Opcode]bool{
	protocol.OpSetSCR: true,
	protocol.OpSetGMC: true,
	protocol.OpSetGMT: true,
}

func (d *Device) fail(bits protocol.SSR) {
	d.errBits |= protocol.SSRErr | bits
}

// command processes one OP1 write: CTAG followed by the payload.
func (d *Device) command(out []byte) {
	d.errBits = 0
	d.resp = nil
	d.delayLeft = 0
	d.busyLeft = d.busyPolls

	if len(out) < protocol.CTAGSize {
		d.fail(protocol.SSRSysErr)
		return
	}
	ctag := protocol.ParseCTAG(out)
	payload := out[protocol.CTAGSize:]
	op := ctag.Opcode()

	if op == protocol.OpGetMC {
		v := counter.Value{TC: d.tc, DMC: d.dmc}.Bytes()
		d.respond(v[:])
		return
	}

	if d.tc+1 >= counter.TCMax {
		d.fail(protocol.SSRMCErr)
		return
	}
	prevTC := d.tc
	d.tc++

	if bits := d.faults.takeInjected(); bits != 0 {
		if d.log != nil {
			d.log.Debugf("%s rejected by injected fault %s", op, bits)
		}
		d.errBits = bits
		return
	}
	if d.qpi && spiOnly[op] {
		d.fail(protocol.SSRSysErr)
		return
	}

	switch op {
	case protocol.OpSessionOpen:
		d.sessionOpen(ctag, payload)
	case protocol.OpInitPA:
		d.initPA(ctag)
	case protocol.OpCalcSig:
		d.calcSig(ctag, prevTC)
	case protocol.OpSetKey:
		d.setKey(ctag, payload)
	case protocol.OpSetSUID:
		d.setRegister(ctag, payload, d.suid[:], protocol.KIDDeviceMaster)
	case protocol.OpSetGMC:
		d.setRegister(ctag, payload, d.gmc[:], protocol.KIDDeviceMaster)
	case protocol.OpSetGMT:
		d.setRegister(ctag, payload, d.gmt[:], protocol.KIDDeviceMaster)
	case protocol.OpSetAWDT:
		d.setRegister(ctag, payload, d.awdt[:], protocol.KIDDeviceMaster)
	case protocol.OpSetRstResp:
		d.setRegister(ctag, payload, d.rstResp[:], protocol.KIDDeviceMaster)
	case protocol.OpSetACLR:
		d.setRegister(ctag, payload, d.aclr[:], protocol.KIDDeviceMaster)
	case protocol.OpAWDTTouch:
		if d.authenticate(ctag, nil, payload) {
			d.awdtTouches++
		}
	case protocol.OpSetSCR:
		d.setSCR(ctag, payload)
	case protocol.OpMCMaint:
		d.maintainMC(ctag, payload)
	case protocol.OpSRD, protocol.OpSARD:
		d.secureRead(ctag, prevTC)
	case protocol.OpSAWR:
		d.secureWrite(ctag, payload)
	case protocol.OpSErase4K, protocol.OpSErase32K, protocol.OpSErase64K,
		protocol.OpSEraseSect, protocol.OpSEraseChip:
		d.secureErase(ctag, payload)
	default:
		d.fail(protocol.SSRSysErr)
	}
}

func (d *Device) respond(data []byte) {
	if d.faults.skipResponse {
		d.faults.skipResponse = false
		return
	}
	d.resp = data
}

// echo returns the previous-TC field of a response.
func (d *Device) echo(prevTC uint32) []byte {
	if d.faults.corruptEcho {
		d.faults.corruptEcho = false
		prevTC++
	}
	return le32(prevTC)
}

func (d *Device) sign(ssk crypto.Key, ctag protocol.CTAG, data []byte) []byte {
	sig, _ := crypto.AuthSignature(ssk, uint8(d.session.kid), uint32(ctag), data)
	if d.faults.tamperNextSig {
		d.faults.tamperNextSig = false
		sig[0] ^= 0x01
	}
	return sig[:]
}

func (d *Device) closeSession() {
	d.session.open = false
	d.session.kid = protocol.KIDInvalid
	d.session.key.Wipe()
}

func (d *Device) requireSession() bool {
	if !d.session.open {
		d.fail(protocol.SSRSesErr)
		return false
	}
	return true
}

func (d *Device) ssk() crypto.Key {
	return crypto.SaltKey(d.session.key, d.tc)
}

// authenticate checks a trailing signature over ctag and data. sigField is the
// signature as received.
func (d *Device) authenticate(ctag protocol.CTAG, data, sigField []byte) bool {
	if !d.requireSession() {
		return false
	}
	if len(sigField) != protocol.SignatureSize {
		d.fail(protocol.SSRSysErr)
		return false
	}
	want, err := crypto.AuthSignature(d.ssk(), uint8(d.session.kid), uint32(ctag), data)
	if err != nil {
		d.fail(protocol.SSRSysErr)
		return false
	}
	var got crypto.Signature
	copy(got[:], sigField)
	if !crypto.SignatureEqual(want, got) {
		d.fail(protocol.SSRAuthErr)
		return false
	}
	return true
}

func (d *Device) privileged(allowed ...protocol.KID) bool {
	for _, k := range allowed {
		if d.session.kid == k {
			return true
		}
	}
	d.fail(protocol.SSRPrivErr)
	return false
}

func (d *Device) sessionOpen(ctag protocol.CTAG, payload []byte) {
	flags := ctag.Flags()
	if flags&protocol.OpenFlagClose != 0 {
		d.closeSession()
		return
	}
	d.closeSession()

	kid := protocol.KID(ctag.Param())
	key, ok := d.keys[kid]
	if !kid.IsValid() || !ok {
		d.fail(protocol.SSRSesErr)
		return
	}
	if len(payload) != protocol.NonceSize+protocol.SignatureSize {
		d.fail(protocol.SSRSysErr)
		return
	}

	p := crypto.OpenParams{
		CTAG:  uint32(ctag),
		TC:    d.tc,
		DMC:   d.dmc,
		Nonce: binary.LittleEndian.Uint64(payload[:protocol.NonceSize]),
	}
	if flags&protocol.OpenFlagIncludeWID != 0 {
		wid := d.wid
		p.WID = &wid
	}
	sessionKey, want := crypto.SessionKeyAndSignature(key, p)
	var got crypto.Signature
	copy(got[:], payload[protocol.NonceSize:])
	if !crypto.SignatureEqual(want, got) {
		d.fail(protocol.SSRAuthErr)
		return
	}

	if kid.IsSectionKey() && flags&protocol.OpenFlagIgnoreSCRValid == 0 {
		section := kid.Section()
		scr := d.scr[section]
		if scr.IntegrityCheck() && d.flash.sectionCRC(section) != scr.CRC {
			d.fail(protocol.SSRIntgErr)
			if kid.Type() != protocol.KeyTypeFull {
				return
			}
		}
	}

	d.session = session{open: true, kid: kid, key: sessionKey}
	if d.log != nil {
		d.log.Debugf("session open kid=%s tc=0x%X", kid, d.tc)
	}
}

func (d *Device) initPA(ctag protocol.CTAG) {
	if !d.requireSession() {
		return
	}
	section := ctag.Param()
	if section >= protocol.SectionCount {
		d.fail(protocol.SSRSysErr)
		return
	}
	if !d.privileged(protocol.KIDDeviceMaster, protocol.KIDFull(section), protocol.KIDRestricted(section)) {
		return
	}
	d.pa[section] = ctag.Flags()&protocol.InitPAFlagRevoke == 0
	d.closeSession()
}

func (d *Device) field(dt protocol.DataType, section uint8) []byte {
	switch dt {
	case protocol.DataWID:
		return append([]byte(nil), d.wid[:]...)
	case protocol.DataSUID:
		return append([]byte(nil), d.suid[:]...)
	case protocol.DataHWVer:
		return append([]byte(nil), d.hwver[:]...)
	case protocol.DataSSR:
		b := d.currentSSR().Bytes()
		return b[:]
	case protocol.DataMC:
		b := counter.Value{TC: d.tc, DMC: d.dmc}.Bytes()
		return b[:]
	case protocol.DataGMC:
		return append([]byte(nil), d.gmc[:]...)
	case protocol.DataGMT:
		return append([]byte(nil), d.gmt[:]...)
	case protocol.DataAWDT:
		return append([]byte(nil), d.awdt[:]...)
	case protocol.DataSCR:
		b := d.scr[section].Bytes()
		return b[:]
	case protocol.DataACLR:
		return append([]byte(nil), d.aclr[:]...)
	default:
		return nil
	}
}

func (d *Device) calcSig(ctag protocol.CTAG, prevTC uint32) {
	if !d.requireSession() {
		return
	}
	dt := protocol.DataType(ctag.Param())
	section := uint8(ctag.Flags() & 0xFF)
	if !dt.IsValid() || section >= protocol.SectionCount {
		d.fail(protocol.SSRSysErr)
		return
	}
	data := d.field(dt, section)
	resp := d.echo(prevTC)
	resp = append(resp, data...)
	resp = append(resp, d.sign(d.ssk(), ctag, data)...)
	d.respond(resp)
	d.delayLeft = d.delayPolls
}

func (d *Device) setKey(ctag protocol.CTAG, payload []byte) {
	if !d.requireSession() {
		return
	}
	if !d.privileged(protocol.KIDProvisioning, protocol.KIDDeviceMaster) {
		return
	}
	target := protocol.KID(ctag.Param())
	if !target.IsValid() || len(payload) != protocol.KeySize+protocol.SignatureSize {
		d.fail(protocol.SSRSysErr)
		return
	}
	var key crypto.Key
	copy(key[:], payload[:protocol.KeySize])
	cipher := crypto.CipherKey(d.ssk(), uint8(d.session.kid), crypto.DirectionWrite)
	if err := crypto.CryptData(key[:], cipher); err != nil {
		d.fail(protocol.SSRSysErr)
		return
	}
	if !d.authenticate(ctag, key[:], payload[protocol.KeySize:]) {
		return
	}
	if old, ok := d.keys[target]; ok && old == key {
		d.fail(protocol.SSRIgnoreErr)
		return
	}
	d.keys[target] = key
}

func (d *Device) setRegister(ctag protocol.CTAG, payload, reg []byte, allowed ...protocol.KID) {
	if !d.requireSession() || !d.privileged(allowed...) {
		return
	}
	if len(payload) != len(reg)+protocol.SignatureSize {
		d.fail(protocol.SSRSysErr)
		return
	}
	data := payload[:len(reg)]
	if !d.authenticate(ctag, data, payload[len(reg):]) {
		return
	}
	copy(reg, data)
}

func (d *Device) setSCR(ctag protocol.CTAG, payload []byte) {
	section := ctag.Param()
	if section >= protocol.SectionCount {
		d.fail(protocol.SSRSysErr)
		return
	}
	reg := d.scr[section].Bytes()
	if !d.requireSession() || !d.privileged(protocol.KIDDeviceMaster, protocol.KIDFull(section)) {
		return
	}
	if len(payload) != protocol.SCRSize+protocol.SignatureSize {
		d.fail(protocol.SSRSysErr)
		return
	}
	data := payload[:protocol.SCRSize]
	if !d.authenticate(ctag, data, payload[protocol.SCRSize:]) {
		return
	}
	copy(reg[:], data)
	d.scr[section] = protocol.ParseSCR(reg[:])
}

func (d *Device) maintainMC(ctag protocol.CTAG, payload []byte) {
	if !d.authenticate(ctag, nil, payload) {
		return
	}
	if d.dmc+1 >= counter.DMCMax {
		d.fail(protocol.SSRMCErr)
		return
	}
	d.dmc++
	d.tc = counter.TCMin
}

// decryptAddress recovers the plaintext address of an address-bearing CTAG.
func (d *Device) decryptAddress(ctag protocol.CTAG, dir crypto.Direction) (uint32, crypto.Key) {
	cipher := crypto.CipherKey(d.ssk(), uint8(d.session.kid), dir)
	return crypto.DecryptAddress(ctag.Address(), crypto.AddressMask(cipher)), cipher
}

func (d *Device) secureRead(ctag protocol.CTAG, prevTC uint32) {
	if !d.requireSession() {
		return
	}
	addr, cipher := d.decryptAddress(ctag, crypto.DirectionRead)
	page := addr &^ (protocol.PageSize - 1)
	section := protocol.SectionOf(page)
	if !d.privileged(protocol.KIDFull(section), protocol.KIDRestricted(section)) {
		return
	}

	plain := make([]byte, protocol.PageSize)
	d.flash.read(page, plain)
	enc := append([]byte(nil), plain...)
	if err := crypto.CryptData(enc, cipher); err != nil {
		d.fail(protocol.SSRSysErr)
		return
	}

	resp := d.echo(prevTC)
	resp = append(resp, enc...)
	if ctag.Opcode() == protocol.OpSARD {
		resp = append(resp, d.sign(d.ssk(), protocol.MakeAddressCTAG(protocol.OpSARD, page), plain)...)
	}
	d.respond(resp)
}

func (d *Device) secureWrite(ctag protocol.CTAG, payload []byte) {
	if !d.requireSession() {
		return
	}
	if len(payload) != protocol.PageSize+protocol.SignatureSize {
		d.fail(protocol.SSRSysErr)
		return
	}
	addr, cipher := d.decryptAddress(ctag, crypto.DirectionWrite)
	page := addr &^ (protocol.PageSize - 1)
	if !d.privileged(protocol.KIDFull(protocol.SectionOf(page))) {
		return
	}

	plain := append([]byte(nil), payload[:protocol.PageSize]...)
	if err := crypto.CryptData(plain, cipher); err != nil {
		d.fail(protocol.SSRSysErr)
		return
	}
	if !d.authenticate(ctag.WithAddress(addr), plain, payload[protocol.PageSize:]) {
		return
	}
	d.flash.write(page, plain)
}

func (d *Device) secureErase(ctag protocol.CTAG, payload []byte) {
	if !d.requireSession() {
		return
	}
	op := ctag.Opcode()
	signed := ctag
	var base, size uint32

	switch op {
	case protocol.OpSEraseChip:
		if !d.privileged(protocol.KIDDeviceMaster) {
			return
		}
		base, size = 0, flashSize
	case protocol.OpSEraseSect:
		section := ctag.Param()
		if section >= protocol.SectionCount {
			d.fail(protocol.SSRSysErr)
			return
		}
		if !d.privileged(protocol.KIDDeviceMaster, protocol.KIDFull(section)) {
			return
		}
		base, size = uint32(section)*protocol.SectionSize, protocol.SectionSize
	default:
		addr, _ := d.decryptAddress(ctag, crypto.DirectionWrite)
		signed = ctag.WithAddress(addr)
		size = eraseSize(op)
		base = addr &^ (size - 1)
		if !d.privileged(protocol.KIDFull(protocol.SectionOf(base))) {
			return
		}
	}

	if !d.authenticate(signed, nil, payload) {
		return
	}
	d.flash.erase(base, size)
}

func eraseSize(op protocol.Opcode) uint32 {
	switch op {
	case protocol.OpSErase32K:
		return protocol.EraseBlock32K.Size()
	case protocol.OpSErase64K:
		return protocol.EraseBlock64K.Size()
	default:
		return protocol.EraseSector4K.Size()
	}
}
