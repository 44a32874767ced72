package models

import (
	_ "github.com/quic-hemagnih/efficient-transformers/model/models/llama"
	_ "github.com/quic-hemagnih/efficient-transformers/model/models/llamaswiftkv"
)
