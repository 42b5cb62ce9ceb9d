package cmds

func (p *Executor) PrintUsage() {}
