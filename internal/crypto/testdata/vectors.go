package testdata

// PBKDF2Vector is a known PBKDF2-HMAC-SHA1 input/output pair.
type PBKDF2Vector struct {
	Name       string
	Passphrase string
	Salt       string
	Iterations int
	KeyLen     int
	Key        string // Hex
}

// PBKDF2Vectors are the HMAC-SHA1 vectors from RFC 6070.
var PBKDF2Vectors = []PBKDF2Vector{
	{
		Name:       "one iteration",
		Passphrase: "password",
		Salt:       "salt",
		Iterations: 1,
		KeyLen:     20,
		Key:        "0c60c80f961f0e71f3a9b524af6012062fe037a6",
	},
	{
		Name:       "two iterations",
		Passphrase: "password",
		Salt:       "salt",
		Iterations: 2,
		KeyLen:     20,
		Key:        "ea6c014dc72d6f8ccd1ed92ace1d41f0d8de8957",
	},
	{
		Name:       "private key iteration count",
		Passphrase: "password",
		Salt:       "salt",
		Iterations: 4096,
		KeyLen:     20,
		Key:        "4b007901b765489abead49d926f721d065a429c1",
	},
	{
		Name:       "multi block output",
		Passphrase: "passwordPASSWORDpassword",
		Salt:       "saltSALTsaltSALTsaltSALTsaltSALTsalt",
		Iterations: 4096,
		KeyLen:     25,
		Key:        "3d2eec4fe41c849b80c8d83662c0e44a8b291a964cf2f07038",
	},
	{
		Name:       "embedded nul bytes",
		Passphrase: "pass\x00word",
		Salt:       "sa\x00lt",
		Iterations: 4096,
		KeyLen:     16,
		Key:        "56fa6aa75548099dcc37d7f03425e0c3",
	},
}
