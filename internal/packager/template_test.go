package packager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Template_NormalisesLineEndings(t *testing.T) {
	tpl := ParseTemplate("a = 1\r\nb = 2\r\n")
	assert.Equal(t, "a = 1\nb = 2\n", tpl.String())
}

func Test_Template_StripPrints(t *testing.T) {
	src := "def f():\n    print('hello', x)\n    return 1\n"
	tpl := ParseTemplate(src)
	tpl.StripPrints()
	assert.Equal(t, "def f():\n    pass\n    return 1\n", tpl.String())
}

func Test_Template_StripDebugRegions(t *testing.T) {
	src := "a = 1\n    # 测试开始 <\n    debug()\n    # 测试结束 >\nb = 2\n" +
		"    # debug begin <\n    more()\n    # debug end >\nc = 3"
	tpl := ParseTemplate(src)
	tpl.StripDebugRegions()
	assert.Equal(t, "a = 1\nb = 2\nc = 3", tpl.String())
}

func Test_Template_SetString(t *testing.T) {
	src := "SERIAL_NUMBER = \"\"\nif SERIAL_NUMBER == \"x\":\n    pass\n    TYP = None\n"
	tpl := ParseTemplate(src)

	assert.True(t, tpl.HasSlot("SERIAL_NUMBER"))
	assert.True(t, tpl.SetString("SERIAL_NUMBER", `12"34`))
	assert.True(t, tpl.SetString("TYP", "iCopy-X"))
	assert.False(t, tpl.SetString("MISSING", "v"))

	assert.Equal(t,
		"SERIAL_NUMBER = \"12\\\"34\"\nif SERIAL_NUMBER == \"x\":\n    pass\n    TYP = \"iCopy-X\"\n",
		tpl.String())
}

func Test_Template_SetTagRow(t *testing.T) {
	src := "TYPES = {\n    M1_MINI: (\"Mifare Mini\", True, True),  # mini\n    ICLASS_ELITE: (\"iClass Elite\", True, False),\n}"
	tpl := ParseTemplate(src)

	assert.True(t, tpl.SetTagRow("M1_MINI", false, false))
	assert.False(t, tpl.SetTagRow("NOT_A_TAG", false, false))
	assert.Contains(t, tpl.String(), `    M1_MINI: ("Mifare Mini", False, False),  # mini`)
	assert.Contains(t, tpl.String(), `    ICLASS_ELITE: ("iClass Elite", True, False),`)
}
