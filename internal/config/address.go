package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tipos de dados suportados no mapeamento de tags
const (
	TypeBool = "bool"
	TypeByte = "byte"
	TypeInt  = "int"
	TypeDInt = "dint"
	TypeReal = "real"
)

// Modos de acesso
const (
	AccessRead      = "r"
	AccessWrite     = "w"
	AccessReadWrite = "rw"
)

// Address é um endereço de bloco de dados S7 já interpretado
type Address struct {
	DB     int
	Offset int
	Bit    int
	// Size é o número de bytes lidos do bloco
	Size int
	// Kind é X, B, W ou D
	Kind byte
}

func (a Address) String() string {
	switch a.Kind {
	case 'X':
		return fmt.Sprintf("DB%d.DBX%d.%d", a.DB, a.Offset, a.Bit)
	default:
		return fmt.Sprintf("DB%d.DB%c%d", a.DB, a.Kind, a.Offset)
	}
}

var addressPattern = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)

// ParseAddress interpreta endereços no formato DB10.DBD4, DB10.DBW8, DB10.DBB2, DB10.DBX56.0
func ParseAddress(s string) (Address, error) {
	m := addressPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return Address{}, fmt.Errorf("endereço S7 inválido: %q", s)
	}

	db, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[3])
	addr := Address{DB: db, Offset: offset, Kind: m[2][0]}

	switch addr.Kind {
	case 'X':
		if m[4] == "" {
			return Address{}, fmt.Errorf("endereço de bit sem índice: %q", s)
		}
		addr.Bit, _ = strconv.Atoi(m[4])
		if addr.Bit > 7 {
			return Address{}, fmt.Errorf("índice de bit fora da faixa 0-7: %q", s)
		}
		addr.Size = 1
	case 'B':
		addr.Size = 1
	case 'W':
		addr.Size = 2
	case 'D':
		addr.Size = 4
	}
	if addr.Kind != 'X' && m[4] != "" {
		return Address{}, fmt.Errorf("índice de bit só é válido em DBX: %q", s)
	}
	return addr, nil
}

// checkType verifica se o tipo declarado cabe na largura do endereço
func checkType(addr Address, typ string) error {
	want := map[string]byte{
		TypeBool: 'X',
		TypeByte: 'B',
		TypeInt:  'W',
		TypeDInt: 'D',
		TypeReal: 'D',
	}
	kind, ok := want[typ]
	if !ok {
		return fmt.Errorf("tipo desconhecido %q", typ)
	}
	if kind != addr.Kind {
		return fmt.Errorf("tipo %s incompatível com endereço %s", typ, addr)
	}
	return nil
}

// Readable informa se a tag pode ser lida
func (t TagMapping) Readable() bool {
	return t.Access == AccessRead || t.Access == AccessReadWrite
}

// Writable informa se a tag pode ser escrita
func (t TagMapping) Writable() bool {
	return t.Access == AccessWrite || t.Access == AccessReadWrite
}

// ParsedAddress retorna o endereço interpretado (já validado em Load)
func (t TagMapping) ParsedAddress() Address {
	addr, _ := ParseAddress(t.Address)
	return addr
}
