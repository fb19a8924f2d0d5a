package wasmruntime

// wasmModuleBuilder hand-assembles minimal WASM binaries for tests: each
// exported function ignores its arguments and returns a constant
// (ptr<<32|len) i64 pointing at a payload baked into the module's own
// data section. This is enough to exercise the real call/instantiate/
// memory-read path in abi.go against a real wazero-executed module,
// without needing an external WASM toolchain.
type wasmModuleBuilder struct {
	nextOffset uint32
	data       []byte
	exports    []wasmExportSpec
}

type wasmExportSpec struct {
	name    string
	typeIdx byte // 0 = func() i64, 1 = func(i32,i32) i64
	value   uint64
}

const (
	wasmTypeNoArgs  byte = 0
	wasmTypeTwoArgs byte = 1
)

// dataBaseOffset sits above scratchOffset plus headroom, so payload data
// never overlaps the host's call-parameter scratch region.
const dataBaseOffset = 2048

func newWasmModuleBuilder() *wasmModuleBuilder {
	return &wasmModuleBuilder{nextOffset: dataBaseOffset}
}

// addPayload appends payload to the module's data section and returns
// its (ptr, len) within the module's linear memory.
func (b *wasmModuleBuilder) addPayload(payload []byte) (ptr, length uint32) {
	ptr = b.nextOffset
	b.data = append(b.data, payload...)
	length = uint32(len(payload))
	b.nextOffset += length
	return ptr, length
}

// addExport declares a function called name, of the given type, that
// always returns the packed (ptr, length) pair.
func (b *wasmModuleBuilder) addExport(name string, typeIdx byte, ptr, length uint32) {
	b.exports = append(b.exports, wasmExportSpec{name: name, typeIdx: typeIdx, value: packPtrLen(ptr, length)})
}

// addConstExport is a convenience combining addPayload and addExport for
// the common case of "export name always returns this payload".
func (b *wasmModuleBuilder) addConstExport(name string, typeIdx byte, payload []byte) {
	ptr, length := b.addPayload(payload)
	b.addExport(name, typeIdx, ptr, length)
}

func uleb128(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			break
		}
	}
	return out
}

func sleb128(v int64) []byte {
	var out []byte
	more := true
	for more {
		c := byte(v & 0x7f)
		v >>= 7
		signBitSet := c&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			c |= 0x80
		}
		out = append(out, c)
	}
	return out
}

func wasmSection(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint64(len(payload)))...)
	out = append(out, payload...)
	return out
}

func wasmName(name string) []byte {
	out := uleb128(uint64(len(name)))
	out = append(out, []byte(name)...)
	return out
}

// build assembles the full WASM binary: type, function, memory, export,
// code and data sections, in the order the WASM binary format requires.
func (b *wasmModuleBuilder) build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00} // magic + version

	typePayload := uleb128(2)
	typePayload = append(typePayload, 0x60, 0x00, 0x01, 0x7e)             // type 0: () -> i64
	typePayload = append(typePayload, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e) // type 1: (i32,i32) -> i64
	out = append(out, wasmSection(1, typePayload)...)

	funcPayload := uleb128(uint64(len(b.exports)))
	for _, ex := range b.exports {
		funcPayload = append(funcPayload, uleb128(uint64(ex.typeIdx))...)
	}
	out = append(out, wasmSection(3, funcPayload)...)

	pages := (b.nextOffset + 65535) / 65536
	if pages == 0 {
		pages = 1
	}
	memPayload := uleb128(1)
	memPayload = append(memPayload, 0x00)
	memPayload = append(memPayload, uleb128(uint64(pages))...)
	out = append(out, wasmSection(5, memPayload)...)

	expPayload := uleb128(uint64(len(b.exports) + 1))
	for i, ex := range b.exports {
		expPayload = append(expPayload, wasmName(ex.name)...)
		expPayload = append(expPayload, 0x00) // func
		expPayload = append(expPayload, uleb128(uint64(i))...)
	}
	expPayload = append(expPayload, wasmName("memory")...)
	expPayload = append(expPayload, 0x02) // memory
	expPayload = append(expPayload, uleb128(0)...)
	out = append(out, wasmSection(7, expPayload)...)

	codePayload := uleb128(uint64(len(b.exports)))
	for _, ex := range b.exports {
		body := []byte{0x00} // no local decl groups
		body = append(body, 0x42)
		body = append(body, sleb128(int64(ex.value))...)
		body = append(body, 0x0b)
		codePayload = append(codePayload, uleb128(uint64(len(body)))...)
		codePayload = append(codePayload, body...)
	}
	out = append(out, wasmSection(10, codePayload)...)

	dataPayload := uleb128(1)
	dataPayload = append(dataPayload, 0x00) // active, memory 0
	dataPayload = append(dataPayload, 0x41) // i32.const
	dataPayload = append(dataPayload, sleb128(int64(dataBaseOffset))...)
	dataPayload = append(dataPayload, 0x0b) // end
	dataPayload = append(dataPayload, uleb128(uint64(len(b.data)))...)
	dataPayload = append(dataPayload, b.data...)
	out = append(out, wasmSection(11, dataPayload)...)

	return out
}
