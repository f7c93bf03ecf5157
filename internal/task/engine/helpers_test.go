package engine

import "reimportd/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
