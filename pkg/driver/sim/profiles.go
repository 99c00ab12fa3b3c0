package sim

// Resource names of the default bench.
const (
	DefaultDMM   = "GPIB0::22::INSTR"
	DefaultScope = "USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR"
	DefaultPSU   = "TCPIP0::127.0.0.1::5025::SOCKET"
)

// DefaultProfiles returns a small simulated bench: a GPIB multimeter, a
// USB oscilloscope and a power supply on a raw socket.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Resource: DefaultDMM,
			IDN:      "OpenTrace,SimDMM-34401,SIM0001,1.0",
			Responses: map[string]string{
				"CONF:VOLT:DC":  "",
				"MEAS:VOLT:DC?": "+1.23450000E+00",
				"MEAS:CURR:DC?": "+1.00000000E-03",
			},
		},
		{
			Resource: DefaultScope,
			IDN:      "RIGOL TECHNOLOGIES,DS1054Z,DS1ZA000000001,00.04.04",
			Responses: map[string]string{
				":RUN":         "",
				":STOP":        "",
				":TIM:SCAL?":   "1.000000e-03",
				":CHAN1:SCAL?": "1.000000e+00",
				":TRIG:STAT?":  "STOP",
				":ACQ:SRAT?":   "1.000000e+09",
				":WAV:FORM?":   "BYTE",
				":MEAS:VPP?":   "3.280000e+00",
				":MEAS:FREQ?":  "1.000000e+03",
				":SYST:VERS?":  "00.04.04",
				":CHAN1:DISP?": "1",
				":CHAN2:DISP?": "0",
			},
			Attrs: map[string]any{
				"VI_ATTR_RSRC_MANF_NAME": "Rigol Technologies",
			},
		},
		{
			Resource: DefaultPSU,
			IDN:      "OpenTrace,SimPSU-3303,SIM0003,2.1",
			Responses: map[string]string{
				"VOLT?": "5.000",
				"CURR?": "0.100",
				"OUTP?": "0",
			},
		},
	}
}
