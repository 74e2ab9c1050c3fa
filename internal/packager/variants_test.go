package packager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipkforge/internal/sealer"
)

const versionSource = `SERIAL_NUMBER = ""
VERSION_MAJOR = 1
VERSION_MINOR = 0
HARDWARE_VER = ""
PM3_VER = ""
TYP = ""
UID = ""

def get():
    print(SERIAL_NUMBER)
    return SERIAL_NUMBER
`

const tagTypesSource = `TYPES = {
    M1_S50_1K_4B: ("M1 S50 1K", True, True),
    M1_MINI: ("M1 Mini", True, True),
    ICLASS_ELITE: ("iClass Elite", True, True),
}`

type fakeSealer struct {
	last sealer.DeviceIdentity
	err  error
}

func (s *fakeSealer) Seal(id sealer.DeviceIdentity) (string, error) {
	s.last = id
	if s.err != nil {
		return "", s.err
	}
	return "sealed:" + id.String(), nil
}

func testParams(typ string) Params {
	return Params{
		ParamType:     typ,
		ParamSerial:   "SN0001",
		ParamVerMajor: "2",
		ParamVerMinor: "7",
		ParamHWMain:   "1",
		ParamHWSub:    "7",
		ParamPM3:      "3.1",
		ParamIDCPU:    "cpu",
		ParamIDPM3:    "pm3",
		ParamIDSTM32:  "stm",
	}
}

func Test_Variants_AllTypesRegistered(t *testing.T) {
	names := VariantNames()
	assert.Equal(t, []string{
		"iCopy-Debug", "iCopy-Factory", "iCopy-X", "iCopy-XR",
		"iCopy-XS", "iCopy-XS(CN)", "iCopy-XS(UK)", "iCopy-XSC(CN)",
	}, names)

	_, err := LookupVariant("iCopy-Z")
	assert.ErrorIs(t, err, ErrUnknownType)

	v, err := VariantByDBType(3)
	require.NoError(t, err)
	assert.Equal(t, "iCopy-XS(CN)", v.Name)

	_, err = VariantByDBType(-1)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func Test_Variant_StampVersion(t *testing.T) {
	v, err := LookupVariant("iCopy-X")
	require.NoError(t, err)
	s := &fakeSealer{}
	gc := &GenContext{Variant: v, Params: testParams(v.Name), Sealer: s}

	code, ok, err := v.Generate(gc, "version.py", versionSource)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Contains(t, code, `SERIAL_NUMBER = "SN0001"`)
	assert.Contains(t, code, `VERSION_MAJOR = "2"`)
	assert.Contains(t, code, `VERSION_MINOR = "7"`)
	assert.Contains(t, code, `HARDWARE_VER = "1.7"`)
	assert.Contains(t, code, `PM3_VER = "3.1"`)
	assert.Contains(t, code, `TYP = "iCopy-X"`)
	assert.Contains(t, code, `UID = "sealed:cpu,pm3,stm,x"`)
	assert.Contains(t, code, "    pass\n")
	assert.NotContains(t, code, "print(")

	assert.Equal(t, "x", s.last.Type)
}

func Test_Variant_XSCBlanksType(t *testing.T) {
	v, err := LookupVariant("iCopy-XSC(CN)")
	require.NoError(t, err)
	params := testParams(v.Name)
	params[ParamIDType] = "custom"
	gc := &GenContext{Variant: v, Params: params, Sealer: &fakeSealer{}}

	code, _, err := v.Generate(gc, "version.py", versionSource)
	require.NoError(t, err)
	assert.Contains(t, code, `TYP = ""`)
	assert.Contains(t, code, `UID = "sealed:cpu,pm3,stm,custom"`)
}

func Test_Variant_StampRequiresSerialAndSealer(t *testing.T) {
	v, err := LookupVariant("iCopy-XS")
	require.NoError(t, err)

	params := testParams(v.Name)
	delete(params, ParamSerial)
	_, _, err = v.Generate(&GenContext{Variant: v, Params: params, Sealer: &fakeSealer{}}, "version.py", versionSource)
	assert.ErrorIs(t, err, ErrMissingParam)

	_, _, err = v.Generate(&GenContext{Variant: v, Params: testParams(v.Name)}, "version.py", versionSource)
	assert.Error(t, err)

	sealErr := errors.New("boom")
	_, _, err = v.Generate(&GenContext{Variant: v, Params: testParams(v.Name), Sealer: &fakeSealer{err: sealErr}}, "version.py", versionSource)
	assert.ErrorIs(t, err, sealErr)
}

func Test_Variant_DisablesTagTypes(t *testing.T) {
	x, err := LookupVariant("iCopy-X")
	require.NoError(t, err)
	code, ok, err := x.Generate(&GenContext{Variant: x, Params: testParams(x.Name)}, "tagtypes.py", tagTypesSource)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, code, `M1_S50_1K_4B: ("M1 S50 1K", True, True)`)
	assert.Contains(t, code, `M1_MINI: ("M1 Mini", False, False)`)
	assert.Contains(t, code, `ICLASS_ELITE: ("iClass Elite", False, False)`)

	xr, err := LookupVariant("iCopy-XR")
	require.NoError(t, err)
	code, _, err = xr.Generate(&GenContext{Variant: xr, Params: testParams(xr.Name)}, "tagtypes.py", tagTypesSource)
	require.NoError(t, err)
	assert.Contains(t, code, `M1_MINI: ("M1 Mini", True, True)`)
	assert.Contains(t, code, `ICLASS_ELITE: ("iClass Elite", False, False)`)
}

func Test_Variant_Whitelist(t *testing.T) {
	x, err := LookupVariant("iCopy-X")
	require.NoError(t, err)
	gc := &GenContext{Variant: x, Params: testParams(x.Name)}

	_, ok, err := x.Generate(gc, "iclassread.py", "a = 1")
	require.NoError(t, err)
	assert.False(t, ok)

	debug, err := LookupVariant("iCopy-Debug")
	require.NoError(t, err)
	code, ok, err := debug.Generate(&GenContext{Variant: debug, Params: testParams(debug.Name)}, "version.py", versionSource)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, code, `SERIAL_NUMBER = ""`)
}

func Test_Variant_FactoryFiltersFirmware(t *testing.T) {
	factory, err := LookupVariant("iCopy-Factory")
	require.NoError(t, err)
	assert.False(t, factory.allows("res/firmware/app/GD32_APP_v1.nib"))
	assert.True(t, factory.allows("res/img/logo.png"))

	x, err := LookupVariant("iCopy-X")
	require.NoError(t, err)
	assert.True(t, x.allows("res/firmware/app/GD32_APP_v1.nib"))
}
